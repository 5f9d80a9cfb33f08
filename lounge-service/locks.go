package main

import (
	"context"
	"sync"
)

// loungeLocks serializes mutations per lounge: each lounge gets a one-slot
// channel, so operations on one lounge run single-writer while different
// lounges proceed independently. Acquire is context-bounded so a caller
// fails fast behind a stuck lounge instead of queueing forever.
type loungeLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLoungeLocks() *loungeLocks {
	return &loungeLocks{slots: make(map[string]chan struct{})}
}

func (l *loungeLocks) slot(loungeID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[loungeID]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[loungeID] = ch
	}
	return ch
}

// Acquire blocks until the lounge's slot is free or ctx expires.
func (l *loungeLocks) Acquire(ctx context.Context, loungeID string) error {
	ch := l.slot(loungeID)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrTimeout
	}
}

// Release frees the lounge's slot. Must pair with a successful Acquire.
func (l *loungeLocks) Release(loungeID string) {
	<-l.slot(loungeID)
}
