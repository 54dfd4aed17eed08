package relay

import "context"

// sendSemaphore limits concurrent room sends. A nil channel (from
// newSendSemaphore(0)) imposes no limit.
type sendSemaphore struct {
	ch chan struct{}
}

func newSendSemaphore(max int) *sendSemaphore {
	if max <= 0 {
		return &sendSemaphore{}
	}
	return &sendSemaphore{ch: make(chan struct{}, max)}
}

// acquire blocks until a slot is free or ctx is done.
func (s *sendSemaphore) acquire(ctx context.Context) error {
	if s.ch == nil {
		return nil
	}
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *sendSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}
