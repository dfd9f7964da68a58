package client

import (
	"context"
	"testing"
	"time"

	"github.com/totalorder/synod/internal/wireproto"
)

func TestSubmitEnqueuesAndWaitsForReply(t *testing.T) {
	c := NewChannel(1)
	done := make(chan wireproto.Outcome, 1)
	go func() {
		out, err := c.Submit(context.Background(), wireproto.AppData{Kind: wireproto.CargoApp, Payload: []byte("x")})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- out
	}()

	env, ok := waitForPop(t, c)
	if !ok {
		t.Fatal("expected the submitted request to be poppable")
	}
	if env.Data.Kind != wireproto.CargoApp || string(env.Data.Payload) != "x" {
		t.Fatalf("unexpected envelope contents: %+v", env.Data)
	}
	RequestReply(env, wireproto.Outcome{Status: wireproto.OutcomeOK, Value: []byte("ok")})

	select {
	case out := <-done:
		if out.Status != wireproto.OutcomeOK || string(out.Value) != "ok" {
			t.Fatalf("unexpected outcome: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("Submit did not return after RequestReply")
	}
}

func TestSubmitRespectsContextCancellationBeforePop(t *testing.T) {
	c := NewChannel(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.queue <- &wireproto.Envelope{ReplySlot: make(chan wireproto.Outcome, 1)} // fill the queue
	cancel()

	_, err := c.Submit(ctx, wireproto.AppData{})
	if err == nil {
		t.Fatal("expected Submit to return the context's cancellation error")
	}
}

func TestTryPopIsNonBlockingOnEmptyQueue(t *testing.T) {
	c := NewChannel(1)
	if _, ok := c.TryPop(); ok {
		t.Fatal("expected TryPop to report false on an empty queue")
	}
}

func waitForPop(t *testing.T, c *Channel) (*wireproto.Envelope, bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if env, ok := c.TryPop(); ok {
			return env, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, false
}
