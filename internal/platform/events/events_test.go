package events

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type transientErr struct{ msg string }

func (e transientErr) Error() string     { return e.msg }
func (e transientErr) IsTransient() bool { return true }

func TestShouldRequeue(t *testing.T) {
	if shouldRequeue(errors.New("permanent")) {
		t.Error("plain errors must not requeue")
	}
	if !shouldRequeue(transientErr{"timeout"}) {
		t.Error("transient errors must requeue")
	}
	wrapped := fmt.Errorf("handling event: %w", transientErr{"timeout"})
	if !shouldRequeue(wrapped) {
		t.Error("wrapped transient errors must requeue")
	}
}

func TestHandle_EmptyQueueIgnored(t *testing.T) {
	c := NewConsumer(nil, 8, zerolog.Nop())
	c.Handle("", func(ctx context.Context, body []byte) error { return nil })
	if len(c.bindings) != 0 {
		t.Error("empty queue name should not bind")
	}
	c.Handle("events.programme", func(ctx context.Context, body []byte) error { return nil })
	if len(c.bindings) != 1 {
		t.Error("expected one binding")
	}
}

func TestStart_NilConnection(t *testing.T) {
	c := NewConsumer(nil, 8, zerolog.Nop())
	c.Handle("events.programme", func(ctx context.Context, body []byte) error { return nil })
	if err := c.Start(context.Background()); err != nil {
		t.Errorf("Start() with nil connection should be a no-op, got %v", err)
	}
	c.Close()
}
