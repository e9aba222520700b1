package gate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquire_Uncontended(t *testing.T) {
	g := New()
	waited := false
	release, err := g.Acquire(context.Background(), func() { waited = true })
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if waited {
		t.Error("onWait called for a free gate")
	}
	if !g.Busy() {
		t.Error("gate should be busy while held")
	}
	release()
	release()
	if g.Busy() {
		t.Error("gate should be free after release")
	}
}

func TestAcquire_WaitsForHolder(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	waiting := make(chan struct{})
	acquired := make(chan func())
	go func() {
		r, err := g.Acquire(context.Background(), func() { close(waiting) })
		if err != nil {
			t.Errorf("second Acquire: %v", err)
			return
		}
		acquired <- r
	}()

	<-waiting
	select {
	case <-acquired:
		t.Fatal("second holder acquired a busy gate")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	select {
	case r := <-acquired:
		r()
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the gate")
	}
}

func TestAcquire_CancelledWaiterDoesNotBlockOthers(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := g.Acquire(ctx, cancel)
		done <- err
	}()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled waiter returned %v", err)
	}

	release()
	r, err := g.Acquire(context.Background(), nil)
	if err != nil {
		t.Fatalf("Acquire after cancelled waiter: %v", err)
	}
	r()
}

func TestProcessIsShared(t *testing.T) {
	if Process() != Process() {
		t.Error("Process should return the same gate")
	}
}
