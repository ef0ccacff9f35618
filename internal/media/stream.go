package media

import (
	"sync"
)

// PCMStream is a fan-out Stream fed by Publish. Capture implementations
// push frames into it; tests use it directly as a fake microphone.
type PCMStream struct {
	sampleRate int
	onStop     func()

	mu     sync.Mutex
	subs   map[int]chan Frame
	nextID int
	closed bool

	done     chan struct{}
	stopOnce sync.Once
}

// NewPCMStream creates a stream. onStop, if set, runs once when the stream
// stops and should release the underlying device.
func NewPCMStream(sampleRate int, onStop func()) *PCMStream {
	return &PCMStream{
		sampleRate: sampleRate,
		onStop:     onStop,
		subs:       make(map[int]chan Frame),
		done:       make(chan struct{}),
	}
}

// SampleRate returns the stream sample rate in Hz
func (s *PCMStream) SampleRate() int {
	return s.sampleRate
}

// Publish delivers a frame to every subscriber without blocking
func (s *PCMStream) Publish(frame Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- frame:
		default:
			// Subscriber is behind; drop for this one only
		}
	}
}

// Subscribe registers a subscriber
func (s *PCMStream) Subscribe(buffer int) (<-chan Frame, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Frame, buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

// Stop stops all tracks: the device is released and subscribers closed
func (s *PCMStream) Stop() {
	s.stopOnce.Do(func() {
		if s.onStop != nil {
			s.onStop()
		}

		s.mu.Lock()
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()

		close(s.done)
	})
}

// Done is closed once the stream has stopped
func (s *PCMStream) Done() <-chan struct{} {
	return s.done
}

// Stopped reports whether Stop has completed
func (s *PCMStream) Stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Subscribers returns the number of live subscriptions
func (s *PCMStream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
