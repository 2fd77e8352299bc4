package round

import (
	"errors"
	"fmt"
	"time"
)

// StaleDataError is returned with a cached snapshot when the entry expired and
// the refresh failed. The snapshot is still usable for display.
type StaleDataError struct {
	FetchedAt time.Time
	Age       time.Duration
	Err       error
}

func (e *StaleDataError) Error() string {
	return fmt.Sprintf("serving round state fetched %s ago: %v", e.Age.Truncate(time.Millisecond), e.Err)
}

func (e *StaleDataError) Unwrap() error { return e.Err }

// IsStale reports whether err is a StaleDataError.
func IsStale(err error) bool {
	var se *StaleDataError
	return errors.As(err, &se)
}
