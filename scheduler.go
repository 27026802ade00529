package pulseboard

import (
	"sync"
	"time"
)

// refreshScheduler owns the engine's repeating timers:
//
//   - the polling timer, consulted only while the push channel is not
//     the active transport, and
//   - the auto-refresh timer, always live, which bounds staleness even
//     when push delivery degrades without a detectable disconnect. It
//     is a no-op whenever a fresher delivery landed more recently than
//     its own period.
//
// Both fire into the same refresh path the manual call uses. start and
// stop are idempotent and called once per engine lifecycle; stop tears
// the timers down completely so shutdown leaves nothing running.
type refreshScheduler struct {
	pollInterval time.Duration
	autoInterval time.Duration
	refresh      func()
	// lastDelivery reports when the engine last received data, for the
	// auto-refresh no-op check.
	lastDelivery func() time.Time

	mu      sync.Mutex
	polling bool
	started bool
	stopCh  chan struct{}
}

func (s *refreshScheduler) start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	s.mu.Unlock()

	go s.loop(stop)
}

func (s *refreshScheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stopCh)
}

// setPolling flips the polling transport on or off. The connection
// manager calls this on every state transition.
func (s *refreshScheduler) setPolling(active bool) {
	s.mu.Lock()
	s.polling = active
	s.mu.Unlock()
}

func (s *refreshScheduler) pollingActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

func (s *refreshScheduler) loop(stop chan struct{}) {
	poll := time.NewTicker(s.pollInterval)
	auto := time.NewTicker(s.autoInterval)
	defer poll.Stop()
	defer auto.Stop()

	for {
		select {
		case <-stop:
			return
		case <-poll.C:
			if s.pollingActive() {
				s.refresh()
			}
		case <-auto.C:
			if time.Since(s.lastDelivery()) >= s.autoInterval {
				s.refresh()
			}
		}
	}
}
