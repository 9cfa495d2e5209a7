package model

import (
	"errors"
	"fmt"
)

// ErrRejected is returned when a piece write carries a cluster version older
// than the one the receiver already knows.
var ErrRejected = errors.New("rejected: stale cluster version")

// ErrFailed marks a transient I/O or RPC failure. Callers wrap the cause:
//
//	fmt.Errorf("%w: %w", model.ErrFailed, err)
var ErrFailed = errors.New("failed")

// ErrNotFound is returned by lookups that find nothing.
var ErrNotFound = errors.New("not found")

// DataLossError is returned when fewer than K fragments of an object can be
// collected anywhere in the cluster.
type DataLossError struct {
	Key   string
	Found int
}

func (e *DataLossError) Error() string {
	return fmt.Sprintf("data loss: key %q has %d of %d required pieces", e.Key, e.Found, K)
}

// Failed wraps err as a transient failure.
func Failed(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFailed, err)
}

// IsDataLoss reports whether err carries a DataLossError.
func IsDataLoss(err error) bool {
	var dl *DataLossError
	return errors.As(err, &dl)
}
