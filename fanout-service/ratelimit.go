package main

import (
	"sync"
	"sync/atomic"
	"time"
)

type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreaker guards per-user delivery publishes. After threshold
// consecutive failures it opens and deliveries to that user are dropped
// until the cooldown lapses; the first post-cooldown attempt probes
// half-open and a single failure re-opens.
type CircuitBreaker struct {
	threshold int32
	cooldown  time.Duration
	failures  atomic.Int32
	state     atomic.Int32
	openedAt  atomic.Int64
}

func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int32(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

func (cb *CircuitBreaker) Allow() bool {
	switch cb.State() {
	case CircuitBreakerOpen:
		if time.Since(time.UnixMilli(cb.openedAt.Load())) >= cb.cooldown {
			cb.state.Store(int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	// A half-open probe gets no second chance.
	if cb.State() == CircuitBreakerHalfOpen {
		cb.trip()
		return
	}
	if cb.failures.Add(1) >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}

func (cb *CircuitBreaker) trip() {
	cb.state.Store(int32(CircuitBreakerOpen))
	cb.openedAt.Store(time.Now().UnixMilli())
}

// breakerSet lazily allocates one CircuitBreaker per user.
type breakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	cooldown  int
}

func newBreakerSet(threshold, cooldownSeconds int) *breakerSet {
	return &breakerSet{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldownSeconds,
	}
}

func (s *breakerSet) forUser(userID string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[userID]
	if !ok {
		cb = NewCircuitBreaker(s.threshold, s.cooldown)
		s.breakers[userID] = cb
	}
	return cb
}
