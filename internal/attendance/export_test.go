package attendance

import "time"

// SetClock replaces the clock used to track session use.
func (s *Service) SetClock(now func() time.Time) { s.now = now }
