package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// sweeperElection elects one lounge-service instance to run the presence
// sweep, via a TTL'd JetStream KV key. The holder refreshes the key each
// heartbeat; when it dies the TTL lapses and another instance claims it.
type sweeperElection struct {
	kv         jetstream.KeyValue
	instanceID string
	key        string
	interval   time.Duration
	leading    atomic.Bool
}

func newSweeperElection(js jetstream.JetStream, bucket, key string, ttl, interval time.Duration) (*sweeperElection, error) {
	kv, err := js.CreateKeyValue(context.Background(), jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create election bucket: %w", err)
	}

	b := make([]byte, 4)
	rand.Read(b)

	return &sweeperElection{
		kv:         kv,
		instanceID: hex.EncodeToString(b),
		key:        key,
		interval:   interval,
	}, nil
}

func (e *sweeperElection) IsLeader() bool {
	return e.leading.Load()
}

// Run drives the claim/renew loop until ctx is cancelled, then releases the
// key if this instance still holds it.
func (e *sweeperElection) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			e.resign()
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *sweeperElection) tick(ctx context.Context) {
	entry, err := e.kv.Get(ctx, e.key)
	if err != nil {
		// No holder. Create only succeeds for one contender.
		if _, err := e.kv.Create(ctx, e.key, []byte(e.instanceID)); err == nil {
			if !e.leading.Swap(true) {
				slog.Info("Claimed sweeper leadership", "instance_id", e.instanceID)
			}
		} else {
			e.leading.Store(false)
		}
		return
	}

	if string(entry.Value()) != e.instanceID {
		if e.leading.Swap(false) {
			slog.Warn("Lost sweeper leadership to another instance",
				"instance_id", e.instanceID, "holder", string(entry.Value()))
		}
		return
	}

	// Still ours; CAS refresh resets the TTL.
	if _, err := e.kv.Update(ctx, e.key, []byte(e.instanceID), entry.Revision()); err != nil {
		slog.Warn("Failed to renew sweeper leadership", "instance_id", e.instanceID, "error", err)
		e.leading.Store(false)
		return
	}
	e.leading.Store(true)
}

func (e *sweeperElection) resign() {
	if !e.leading.Swap(false) {
		return
	}
	entry, err := e.kv.Get(context.Background(), e.key)
	if err == nil && string(entry.Value()) == e.instanceID {
		e.kv.Delete(context.Background(), e.key)
		slog.Info("Resigned sweeper leadership", "instance_id", e.instanceID)
	}
}
