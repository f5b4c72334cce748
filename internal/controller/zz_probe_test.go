package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"deskagent/internal/storage"
)

// Probe: same shape as TestDispatchBusy but waits until the spawned
// goroutine has actually taken the lock before colliding.
func TestZZProbeBusy(t *testing.T) {
	slow := &stubCapability{
		kind:    storage.KindScrape,
		payload: storage.ScrapeRecord{URL: "https://a.test"},
		delay:   500 * time.Millisecond,
	}
	ctl, _ := newTestController(t, slow)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := ctl.Dispatch(context.Background(), Action{Name: ActionScrape, URL: "https://a.test"})
		done <- err
	}()
	<-started
	time.Sleep(100 * time.Millisecond)

	_, err := ctl.Dispatch(context.Background(), Action{Name: ActionScrape, URL: "https://b.test"})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
}
