package engine

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestNotifierPreservesOrder(t *testing.T) {
	rec := newRecorder()
	rec.ch = make(chan event, 1000)
	n := newNotifier(rec)

	for i := 0; i < 500; i++ {
		n.failure(Failure{Message: fmt.Sprint(i)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := n.close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(rec.ch) != 500 {
		t.Fatalf("delivered %d events, want 500", len(rec.ch))
	}
	for i := 0; i < 500; i++ {
		e := <-rec.ch
		if e.failure.Message != fmt.Sprint(i) {
			t.Fatalf("event %d = %q, out of order", i, e.failure.Message)
		}
	}
}

func TestNotifierDropsAfterClose(t *testing.T) {
	rec := newRecorder()
	n := newNotifier(rec)
	if err := n.close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	n.result(Result{Text: "late"})
	if len(rec.ch) != 0 {
		t.Error("events posted after close should be dropped")
	}
}

type blockingListener struct {
	Listeners
	release chan struct{}
}

func (b blockingListener) OnError(Failure) { <-b.release }

func TestNotifierCloseTimeout(t *testing.T) {
	l := blockingListener{release: make(chan struct{})}
	defer close(l.release)
	n := newNotifier(l)
	n.failure(Failure{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.close(ctx); err == nil {
		t.Error("close should time out while a listener is stuck")
	}
}

func TestListenersFanOut(t *testing.T) {
	a, b := newRecorder(), newRecorder()
	ls := Listeners{a, b}
	ls.OnRecordingStarted(SessionInfo{SessionID: "s"})
	ls.OnError(Failure{Kind: KindBusy})

	for _, r := range []*recorder{a, b} {
		r.expect(t, "started")
		if f := r.expect(t, "error").failure; f.Kind != KindBusy {
			t.Errorf("kind = %s", f.Kind)
		}
	}
}
