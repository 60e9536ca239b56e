package offline

import (
	"context"
	"log/slog"
	"sync"
)

// Syncer drains the queue when connectivity comes back. Draining is driven
// only by those signals, never by polling.
type Syncer struct {
	ctx      context.Context
	queue    *Queue
	handlers map[string]Handler
	onReport func(DrainReport, error)

	mu     sync.Mutex
	online bool
	wg     sync.WaitGroup
}

// NewSyncer binds handlers to queue tags. Drains started by SetOnline run
// under ctx. onReport, if set, receives the outcome of each of those drains.
func NewSyncer(ctx context.Context, queue *Queue, handlers map[string]Handler, onReport func(DrainReport, error)) *Syncer {
	return &Syncer{ctx: ctx, queue: queue, handlers: handlers, onReport: onReport}
}

// Online reports the last known connectivity
func (s *Syncer) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline records connectivity. An offline to online transition starts a
// drain in the background.
func (s *Syncer) SetOnline(online bool) {
	s.mu.Lock()
	restored := online && !s.online
	s.online = online
	if restored {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if !restored {
		return
	}
	go func() {
		defer s.wg.Done()
		report, err := s.ConnectivityRestored(s.ctx)
		if s.onReport != nil {
			s.onReport(report, err)
		}
	}()
}

// ConnectivityRestored drains the queue once and returns the outcome
func (s *Syncer) ConnectivityRestored(ctx context.Context) (DrainReport, error) {
	report, err := s.queue.Drain(ctx, s.handlers)
	if err != nil {
		slog.Warn("sync drain finished with errors", "replayed", report.Replayed, "failed", report.Failed, "error", err)
	} else if report.Replayed > 0 {
		slog.Info("sync drain finished", "replayed", report.Replayed)
	}
	return report, err
}

// Wait blocks until background drains have finished
func (s *Syncer) Wait() {
	s.wg.Wait()
}
