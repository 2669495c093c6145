package transcribe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestModelCache_SingleFlight(t *testing.T) {
	var loads atomic.Int32
	release := make(chan struct{})
	loader := LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		loads.Add(1)
		<-release
		return &fakeModel{name: name}, nil
	})
	c := NewModelCache(loader, 0, zerolog.Nop())

	const callers = 8
	chans := make([]<-chan LoadResult, callers)
	for i := range chans {
		chans[i] = c.GetOrLoad("base")
	}
	close(release)

	var first Model
	for i, ch := range chans {
		select {
		case r := <-ch:
			if r.Err != nil {
				t.Fatalf("caller %d: %v", i, r.Err)
			}
			if first == nil {
				first = r.Model
			} else if r.Model != first {
				t.Errorf("caller %d got a different model instance", i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("caller %d timed out", i)
		}
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}
	if !c.Loaded("base") {
		t.Error("model should be cached after load")
	}

	// Cached path does not touch the loader.
	if _, err := c.Get(context.Background(), "base"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := loads.Load(); got != 1 {
		t.Errorf("loader called %d times after cached Get, want 1", got)
	}
}

func TestModelCache_FailuresAreNotCached(t *testing.T) {
	var attempts atomic.Int32
	loader := LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("out of memory")
		}
		return &fakeModel{name: name}, nil
	})
	c := NewModelCache(loader, 0, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := c.Get(ctx, "small")
		if !errors.Is(err, ErrModelLoadFailed) {
			t.Fatalf("attempt %d err = %v, want ErrModelLoadFailed", i+1, err)
		}
		if c.Loaded("small") {
			t.Fatalf("failed load %d left a cached model", i+1)
		}
	}

	m, err := c.Get(ctx, "small")
	if err != nil {
		t.Fatalf("third attempt: %v", err)
	}
	if m.Name() != "small" {
		t.Errorf("Name = %q, want small", m.Name())
	}
	loads, failures := c.Stats()
	if loads != 3 || failures != 2 {
		t.Errorf("Stats = (%d, %d), want (3, 2)", loads, failures)
	}
}

func TestModelCache_NilModelIsFailure(t *testing.T) {
	c := NewModelCache(LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		return nil, nil
	}), 0, zerolog.Nop())
	if _, err := c.Get(context.Background(), "x"); !errors.Is(err, ErrModelLoadFailed) {
		t.Errorf("err = %v, want ErrModelLoadFailed", err)
	}
}

func TestModelCache_LoadTimeout(t *testing.T) {
	c := NewModelCache(LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), 20*time.Millisecond, zerolog.Nop())

	_, err := c.Get(context.Background(), "large")
	if !errors.Is(err, ErrModelLoadFailed) {
		t.Errorf("err = %v, want ErrModelLoadFailed", err)
	}
}

func TestModelCache_GetHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	c := NewModelCache(LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		<-release
		return &fakeModel{name: name}, nil
	}), 0, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "base"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
}

func TestModelCache_Reload(t *testing.T) {
	var mu sync.Mutex
	gen := 0
	c := NewModelCache(LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		mu.Lock()
		defer mu.Unlock()
		gen++
		return &fakeModel{name: name, words: []string{string(rune('0' + gen))}}, nil
	}), 0, zerolog.Nop())
	ctx := context.Background()

	a, err := c.Get(ctx, "base")
	if err != nil {
		t.Fatal(err)
	}
	c.Reload("base")
	if c.Loaded("base") {
		t.Fatal("Reload should evict the model")
	}
	b, err := c.Get(ctx, "base")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("Reload should produce a new model instance")
	}
}

func TestModelCache_ReloadDuringLoad(t *testing.T) {
	var loads atomic.Int32
	firstStarted := make(chan struct{})
	release := make(chan struct{})
	c := NewModelCache(LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		if loads.Add(1) == 1 {
			close(firstStarted)
			<-release
			return &fakeModel{name: name, words: []string{"old"}}, nil
		}
		return &fakeModel{name: name, words: []string{"new"}}, nil
	}), 0, zerolog.Nop())

	inflight := c.GetOrLoad("base")
	<-firstStarted
	c.Reload("base")
	close(release)

	select {
	case r := <-inflight:
		if r.Err != nil {
			t.Fatalf("in-flight load: %v", r.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight load never finished")
	}
	if c.Loaded("base") {
		t.Fatal("model loaded before Reload was cached")
	}

	m, err := c.Get(context.Background(), "base")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := m.(*fakeModel).words; len(got) != 1 || got[0] != "new" {
		t.Errorf("Get after Reload served words %v, want the reloaded model", got)
	}
	if got := loads.Load(); got != 2 {
		t.Errorf("loads = %d, want 2", got)
	}
	if !c.Loaded("base") {
		t.Error("reloaded model should be cached")
	}
}

func TestModelCache_Warm(t *testing.T) {
	loaded := make(chan struct{})
	c := NewModelCache(LoaderFunc(func(ctx context.Context, name string) (Model, error) {
		defer close(loaded)
		return &fakeModel{name: name}, nil
	}), 0, zerolog.Nop())

	c.Warm("base")
	select {
	case <-loaded:
	case <-time.After(5 * time.Second):
		t.Fatal("Warm did not trigger a load")
	}
	deadline := time.Now().Add(5 * time.Second)
	for !c.Loaded("base") {
		if time.Now().After(deadline) {
			t.Fatal("model never became cached")
		}
		time.Sleep(time.Millisecond)
	}
}
