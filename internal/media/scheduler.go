package media

import (
	"sync"
	"time"
)

// DefaultFrameInterval approximates a 60 Hz display refresh
const DefaultFrameInterval = 16 * time.Millisecond

// TimerScheduler is a FrameScheduler backed by one-shot timers
type TimerScheduler struct {
	interval time.Duration

	mu     sync.Mutex
	nextID FrameID
	timers map[FrameID]*time.Timer
}

// NewTimerScheduler creates a scheduler firing callbacks after interval
func NewTimerScheduler(interval time.Duration) *TimerScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &TimerScheduler{
		interval: interval,
		timers:   make(map[FrameID]*time.Timer),
	}
}

// RequestFrame schedules fn for the next frame
func (s *TimerScheduler) RequestFrame(fn func()) FrameID {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(s.interval, func() {
		s.mu.Lock()
		_, pending := s.timers[id]
		delete(s.timers, id)
		s.mu.Unlock()

		if pending {
			fn()
		}
	})
	return id
}

// CancelFrame cancels a pending callback
func (s *TimerScheduler) CancelFrame(id FrameID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending returns the number of callbacks not yet fired or cancelled
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
