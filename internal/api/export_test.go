package api

import "time"

// SetClock replaces the handler's time source.
func SetClock(h *Handler, now func() time.Time) {
	h.now = now
}
