package workflow

import (
	"context"
	"testing"
	"time"
)

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	d := &OutboxDispatcher{InitialBackoff: 5 * time.Second, MaxBackoff: time.Minute}
	want := map[int]time.Duration{
		1: 5 * time.Second,
		2: 10 * time.Second,
		3: 20 * time.Second,
		4: 40 * time.Second,
		5: time.Minute,
		9: time.Minute,
	}
	for attempt, expected := range want {
		if got := d.RetryBackoff(attempt); got != expected {
			t.Errorf("attempt %d: got %s, want %s", attempt, got, expected)
		}
	}
}

func TestNewOutboxDispatcherDefaults(t *testing.T) {
	d := NewOutboxDispatcher(nil, nil)
	if d.DispatcherID == "" || d.Publish == nil {
		t.Fatalf("dispatcher not initialised: %+v", d)
	}
	if d.MaxBackoff != 10*time.Minute || d.MaxAttempts <= 0 || d.BatchSize <= 0 {
		t.Fatalf("unexpected defaults: %+v", d)
	}
	if n, err := (&OutboxDispatcher{}).DispatchOnce(context.Background()); n != 0 || err != nil {
		t.Fatalf("dispatch without db = (%d, %v)", n, err)
	}
}
