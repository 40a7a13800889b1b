// Package producers implements the event selection side of the pipeline (C3):
// per-category finders that claim due events under the per-project causality
// rules, the priority-weighted project pick, the zombie reaper and the triple
// store migration coordinator.
package producers

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in tuning defaults. Overridable per category through the optional
// tuning file named by PRODUCERS_TUNING_PATH.
const (
	DefaultTickInterval     = 1 * time.Second
	DefaultSyncTickInterval = 1 * time.Minute

	DefaultGenerationCapacity     = 10
	DefaultTransformationCapacity = 10
	DefaultCleanUpCapacity        = 4

	DefaultCommitSyncInterval       = 1 * time.Hour
	DefaultGlobalCommitSyncInterval = 7 * 24 * time.Hour
	DefaultMemberSyncInterval       = 1 * time.Hour
)

type (
	// Tuning carries the per-category knobs of the producer fabric.
	Tuning struct {
		// TickInterval paces the claiming categories.
		TickInterval time.Duration `yaml:"tickInterval"`

		// SyncTickInterval paces the sync-request categories.
		SyncTickInterval time.Duration `yaml:"syncTickInterval"`

		// Capacity ceilings: the number of events allowed in each processing
		// status at once. A producer whose ceiling is reached skips the tick.
		GenerationCapacity     int `yaml:"generationCapacity"`
		TransformationCapacity int `yaml:"transformationCapacity"`
		CleanUpCapacity        int `yaml:"cleanUpCapacity"`

		// Minimum spacing between sync requests per project and category.
		CommitSyncInterval       time.Duration `yaml:"commitSyncInterval"`
		GlobalCommitSyncInterval time.Duration `yaml:"globalCommitSyncInterval"`
		MemberSyncInterval       time.Duration `yaml:"memberSyncInterval"`
	}
)

// UnmarshalYAML decodes the tuning file. Durations are written in Go syntax
// ("250ms", "2h"); absent keys keep the value already in place, which is how
// the file overlays the defaults.
func (t *Tuning) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TickInterval             string `yaml:"tickInterval"`
		SyncTickInterval         string `yaml:"syncTickInterval"`
		GenerationCapacity       *int   `yaml:"generationCapacity"`
		TransformationCapacity   *int   `yaml:"transformationCapacity"`
		CleanUpCapacity          *int   `yaml:"cleanUpCapacity"`
		CommitSyncInterval       string `yaml:"commitSyncInterval"`
		GlobalCommitSyncInterval string `yaml:"globalCommitSyncInterval"`
		MemberSyncInterval       string `yaml:"memberSyncInterval"`
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	durations := []struct {
		raw  string
		dest *time.Duration
	}{
		{raw.TickInterval, &t.TickInterval},
		{raw.SyncTickInterval, &t.SyncTickInterval},
		{raw.CommitSyncInterval, &t.CommitSyncInterval},
		{raw.GlobalCommitSyncInterval, &t.GlobalCommitSyncInterval},
		{raw.MemberSyncInterval, &t.MemberSyncInterval},
	}

	for _, d := range durations {
		if d.raw == "" {
			continue
		}

		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}

		*d.dest = parsed
	}

	if raw.GenerationCapacity != nil {
		t.GenerationCapacity = *raw.GenerationCapacity
	}

	if raw.TransformationCapacity != nil {
		t.TransformationCapacity = *raw.TransformationCapacity
	}

	if raw.CleanUpCapacity != nil {
		t.CleanUpCapacity = *raw.CleanUpCapacity
	}

	return nil
}

// DefaultTuning returns the built-in tuning values.
func DefaultTuning() Tuning {
	return Tuning{
		TickInterval:             DefaultTickInterval,
		SyncTickInterval:         DefaultSyncTickInterval,
		GenerationCapacity:       DefaultGenerationCapacity,
		TransformationCapacity:   DefaultTransformationCapacity,
		CleanUpCapacity:          DefaultCleanUpCapacity,
		CommitSyncInterval:       DefaultCommitSyncInterval,
		GlobalCommitSyncInterval: DefaultGlobalCommitSyncInterval,
		MemberSyncInterval:       DefaultMemberSyncInterval,
	}
}

// LoadTuning reads the tuning file at path and overlays it on the defaults.
// A missing or malformed file degrades gracefully to the defaults with a
// warning; producer tuning must never keep the service from starting.
func LoadTuning(path string, logger *slog.Logger) Tuning {
	tuning := DefaultTuning()

	if path == "" {
		return tuning
	}

	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("failed to read producer tuning file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return DefaultTuning()
	}

	if err := yaml.Unmarshal(data, &tuning); err != nil {
		logger.Warn("failed to parse producer tuning file, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return DefaultTuning()
	}

	if err := tuning.Validate(); err != nil {
		logger.Warn("invalid producer tuning, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		return DefaultTuning()
	}

	logger.Info("producer tuning loaded", slog.String("path", path))

	return tuning
}

// Validate rejects tuning values that would stall or overrun the fabric.
func (t Tuning) Validate() error {
	if t.TickInterval <= 0 {
		return fmt.Errorf("tickInterval must be positive, got %s", t.TickInterval)
	}

	if t.SyncTickInterval <= 0 {
		return fmt.Errorf("syncTickInterval must be positive, got %s", t.SyncTickInterval)
	}

	if t.GenerationCapacity <= 0 {
		return fmt.Errorf("generationCapacity must be positive, got %d", t.GenerationCapacity)
	}

	if t.TransformationCapacity <= 0 {
		return fmt.Errorf("transformationCapacity must be positive, got %d", t.TransformationCapacity)
	}

	if t.CleanUpCapacity <= 0 {
		return fmt.Errorf("cleanUpCapacity must be positive, got %d", t.CleanUpCapacity)
	}

	if t.CommitSyncInterval <= 0 || t.GlobalCommitSyncInterval <= 0 || t.MemberSyncInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}

	return nil
}
