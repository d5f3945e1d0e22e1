package command

import (
	"context"
	"testing"
	"time"
)

func TestSubmitAndDequeue(t *testing.T) {
	tr := New()
	sink, err := tr.Submit(Request{Seq: NextSequence(), Text: "AT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	req, err := tr.Dequeue(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Text != "AT" {
		t.Errorf("got %q, want AT", req.Text)
	}
	if !tr.Active() {
		t.Fatal("expected tracker to be active after dequeue")
	}

	tr.Respond(Result{Response: "OK"})
	res := <-sink
	if res.Err != nil || res.Response != "OK" {
		t.Errorf("unexpected result: %+v", res)
	}
	if tr.Active() {
		t.Fatal("expected tracker to be idle after respond")
	}
}

func TestActiveSequenceTracksDequeuedCommand(t *testing.T) {
	tr := New()
	if _, ok := tr.ActiveSequence(); ok {
		t.Fatal("expected no active sequence before any command is dequeued")
	}

	seq := NextSequence()
	_, err := tr.Submit(Request{Seq: seq, Text: "AT"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := tr.ActiveSequence()
	if !ok || got != seq {
		t.Fatalf("got (%v, %v), want (%v, true)", got, ok, seq)
	}

	tr.Respond(Result{Seq: seq, Response: "OK"})
	if _, ok := tr.ActiveSequence(); ok {
		t.Fatal("expected no active sequence after respond")
	}
}

func TestQueueFull(t *testing.T) {
	tr := NewCap(1)
	if _, err := tr.Submit(Request{Seq: NextSequence()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := tr.Submit(Request{Seq: NextSequence()}); err != ErrQueueFull {
		t.Errorf("got %v, want ErrQueueFull", err)
	}
}

func TestRespondExactlyOnce(t *testing.T) {
	tr := New()
	sink, _ := tr.Submit(Request{Seq: NextSequence()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr.Respond(Result{Response: "OK"})
	tr.Respond(Result{Response: "second"}) // must be a no-op

	res, ok := <-sink
	if !ok || res.Response != "OK" {
		t.Fatalf("unexpected first result: %+v ok=%v", res, ok)
	}
	if _, ok := <-sink; ok {
		t.Fatal("expected sink closed after single respond")
	}
}

func TestTickTimesOut(t *testing.T) {
	tr := New()
	sink, _ := tr.Submit(Request{Seq: NextSequence(), Timeout: time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	tr.Tick(time.Now())

	res := <-sink
	if res.Err != ErrTimeout {
		t.Errorf("got %v, want ErrTimeout", res.Err)
	}
	if tr.Active() {
		t.Fatal("expected tracker idle after timeout")
	}
}

func TestTickBeforeDeadlineIsNoop(t *testing.T) {
	tr := New()
	_, _ = tr.Submit(Request{Seq: NextSequence(), Timeout: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tr.Tick(time.Now())
	if !tr.Active() {
		t.Fatal("expected tracker still active before deadline")
	}
}

func TestAbortDeliversError(t *testing.T) {
	tr := New()
	sink, _ := tr.Submit(Request{Seq: NextSequence()})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr.Abort(ErrTimeout)
	res := <-sink
	if res.Err != ErrTimeout {
		t.Errorf("got %v, want ErrTimeout", res.Err)
	}
}

func TestDequeueNotIdleRequeues(t *testing.T) {
	tr := New()
	_, _ = tr.Submit(Request{Seq: NextSequence(), Text: "first"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := tr.Dequeue(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _ = tr.Submit(Request{Seq: NextSequence(), Text: "second"})
	shortCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel2()
	if _, err := tr.Dequeue(shortCtx); err != ErrNotIdle {
		t.Errorf("got %v, want ErrNotIdle", err)
	}
}

func TestNextSequenceMonotonic(t *testing.T) {
	a := NextSequence()
	b := NextSequence()
	if b != a+1 {
		t.Errorf("expected monotonic sequence, got %d then %d", a, b)
	}
}
