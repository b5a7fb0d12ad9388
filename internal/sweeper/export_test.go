package sweeper

import "time"

// SetClock replaces the sweeper's time source.
func SetClock(s *Sweeper, now func() time.Time) {
	s.now = now
}
