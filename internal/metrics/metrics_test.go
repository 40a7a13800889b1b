package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renkulab/kg-pipeline/internal/events"
)

type stubCounter struct {
	counts map[events.Status]int
	err    error
}

func (s *stubCounter) CountPerStatus(context.Context) (map[events.Status]int, error) {
	return s.counts, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshExposesCounts(t *testing.T) {
	counter := &stubCounter{counts: map[events.Status]int{
		events.StatusNew:          3,
		events.StatusTriplesStore: 17,
	}}

	collector := NewCollector(counter, testLogger())
	collector.Refresh(context.Background())

	body := scrape(t, collector)

	assert.Contains(t, body, `kg_pipeline_events_in_status{status="NEW"} 3`)
	assert.Contains(t, body, `kg_pipeline_events_in_status{status="TRIPLES_STORE"} 17`)
	assert.Contains(t, body, `kg_pipeline_events_in_status{status="GENERATING_TRIPLES"} 0`)
}

func TestRefreshResetsDrainedStatuses(t *testing.T) {
	counter := &stubCounter{counts: map[events.Status]int{events.StatusNew: 5}}

	collector := NewCollector(counter, testLogger())
	collector.Refresh(context.Background())

	counter.counts = map[events.Status]int{}
	collector.Refresh(context.Background())

	assert.Contains(t, scrape(t, collector), `kg_pipeline_events_in_status{status="NEW"} 0`)
}

func TestRefreshKeepsLastValuesOnError(t *testing.T) {
	counter := &stubCounter{counts: map[events.Status]int{events.StatusNew: 5}}

	collector := NewCollector(counter, testLogger())
	collector.Refresh(context.Background())

	counter.err = errors.New("db down")
	collector.Refresh(context.Background())

	assert.Contains(t, scrape(t, collector), `kg_pipeline_events_in_status{status="NEW"} 5`)
}

func scrape(t *testing.T, collector *Collector) string {
	t.Helper()

	recorder := httptest.NewRecorder()
	collector.Handler().ServeHTTP(recorder, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, recorder.Code)

	body, err := io.ReadAll(recorder.Body)
	require.NoError(t, err)

	return strings.TrimSpace(string(body))
}
