package storage

import (
	"context"
	"errors"
)

// ScanRecord holds the normalized scan fields we persist. Timestamp is Unix
// epoch seconds, matching the wire format.
type ScanRecord struct {
	IP        string
	Port      uint32
	Service   string
	Timestamp int64
	Response  string
}

// Repository defines persistence operations for scans.
//
// UpsertLatest writes the record unless a row for the same (ip, port,
// service) key already holds a timestamp >= record.Timestamp, in which case
// the call is a no-op. Implementations must make the read-compare-write
// atomic with respect to concurrent writers on the same key.
type Repository interface {
	UpsertLatest(ctx context.Context, record ScanRecord) error
}

// ErrUnavailable marks transient storage failures (connection loss,
// timeouts, serialization conflicts). Callers may retry; anything not
// wrapping ErrUnavailable is a permanent storage error.
var ErrUnavailable = errors.New("storage unavailable")

// IsUnavailable reports whether err is a transient storage failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
