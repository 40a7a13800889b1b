package storage

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Postgres error classes that callers recover from by retrying the whole
// transaction.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// mapError converts driver-level serialisation failures into
// ErrDeadlockDetected so callers can match with errors.Is and retry. Other
// errors are wrapped with the operation name.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%s: %w", op, ErrDeadlockDetected)
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}
