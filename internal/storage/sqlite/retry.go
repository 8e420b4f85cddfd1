package sqlite

import (
	"strings"
	"time"
)

const (
	maxBusyRetries = 5
	busyBackoff    = 20 * time.Millisecond
)

// isSQLiteBusy reports whether err is a transient lock conflict.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// retryOnBusy runs fn, retrying with linear backoff while SQLite reports
// the database as locked. Other errors are returned unchanged.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt <= maxBusyRetries; attempt++ {
		if err = fn(); !isSQLiteBusy(err) {
			return err
		}
		if attempt < maxBusyRetries {
			time.Sleep(time.Duration(attempt+1) * busyBackoff)
		}
	}
	opsf("giving up after %d busy retries: %v", maxBusyRetries, err)
	return err
}
