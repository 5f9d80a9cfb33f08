package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLoungeLocks_SerializesSameLounge(t *testing.T) {
	locks := newLoungeLocks()

	if err := locks.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("First acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := locks.Acquire(ctx, "a")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Expected ErrTimeout on held lock, got %v", err)
	}

	locks.Release("a")
	if err := locks.Acquire(context.Background(), "a"); err != nil {
		t.Errorf("Expected acquire after release to succeed, got %v", err)
	}
	locks.Release("a")
}

func TestLoungeLocks_IndependentLounges(t *testing.T) {
	locks := newLoungeLocks()

	if err := locks.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire a failed: %v", err)
	}
	defer locks.Release("a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := locks.Acquire(ctx, "b"); err != nil {
		t.Errorf("Expected different lounge to acquire independently, got %v", err)
	}
	locks.Release("b")
}

func TestLoungeLocks_WaiterUnblocksOnRelease(t *testing.T) {
	locks := newLoungeLocks()

	if err := locks.Acquire(context.Background(), "a"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- locks.Acquire(ctx, "a")
	}()

	time.Sleep(20 * time.Millisecond)
	locks.Release("a")

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected waiter to acquire after release, got %v", err)
		}
		locks.Release("a")
	case <-time.After(2 * time.Second):
		t.Fatal("Waiter never acquired the lock")
	}
}
