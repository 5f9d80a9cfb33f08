package main

import (
	"context"
	"log/slog"
)

// SweepPresence evicts members whose last_seen predates the presence expiry
// and reclaims lounges that have sat empty past the grace period. Returns the
// number of members evicted. Only the elected leader runs this; it is still
// safe to run twice because every delete re-checks staleness against the
// store.
func (c *Coordinator) SweepPresence(ctx context.Context) int {
	cutoff := c.now().Add(-c.cfg.PresenceExpiry).UnixMilli()

	expired, err := c.store.ExpiredMemberships(ctx, cutoff)
	if err != nil {
		slog.WarnContext(ctx, "Presence sweep query failed", "error", err)
		return 0
	}

	// Group by lounge so each lounge's lock is taken once per sweep.
	byLounge := make(map[string][]Membership)
	for _, m := range expired {
		byLounge[m.LoungeID] = append(byLounge[m.LoungeID], m)
	}

	evicted := 0
	for loungeID, members := range byLounge {
		evicted += c.sweepLounge(ctx, loungeID, members, cutoff)
	}

	c.reclaimEmptyLounges(ctx)
	return evicted
}

func (c *Coordinator) sweepLounge(ctx context.Context, loungeID string, members []Membership, cutoff int64) int {
	release, err := c.lock(ctx, loungeID)
	if err != nil {
		// Busy lounge; its stragglers get picked up next sweep.
		slog.DebugContext(ctx, "Skipping busy lounge during sweep", "lounge", loungeID)
		return 0
	}
	defer release()

	evicted := 0
	for _, m := range members {
		// Conditional delete: a heartbeat that landed after the query wins
		// and the seat survives.
		removed, err := c.store.RemoveMembershipIfStale(ctx, m.UserID, cutoff)
		if err != nil {
			slog.WarnContext(ctx, "Failed to evict member", "user", m.UserID, "lounge", loungeID, "error", err)
			continue
		}
		if removed == nil {
			continue
		}
		evicted++
		slog.InfoContext(ctx, "Evicted silent member", "user", removed.UserID, "lounge", loungeID)
		// Eviction looks like a voluntary departure to everyone else.
		c.emit(ctx, LoungeEvent{Type: EventMemberLeft, LoungeID: loungeID, Member: removed})
		c.postNoticeLocked(ctx, loungeID, removed.UserID, removed.UserID+" left the lounge", KindSystem)
	}

	c.markIfEmpty(ctx, loungeID)
	return evicted
}

func (c *Coordinator) reclaimEmptyLounges(ctx context.Context) {
	cutoff := c.now().Add(-c.cfg.EmptyGrace).UnixMilli()
	empty, err := c.store.EmptyLoungesBefore(ctx, cutoff)
	if err != nil {
		slog.WarnContext(ctx, "Empty lounge query failed", "error", err)
		return
	}

	for _, lg := range empty {
		release, err := c.lock(ctx, lg.ID)
		if err != nil {
			continue
		}
		// Re-check under the lock: someone may have joined since the query.
		count, err := c.store.CountMembers(ctx, lg.ID)
		if err != nil || count > 0 {
			release()
			continue
		}
		if err := c.store.DeactivateLounge(ctx, lg.ID); err != nil {
			slog.WarnContext(ctx, "Failed to deactivate lounge", "lounge", lg.ID, "error", err)
			release()
			continue
		}
		release()
		slog.InfoContext(ctx, "Reclaimed empty lounge", "lounge", lg.ID, "name", lg.Name)
		c.emit(ctx, LoungeEvent{Type: EventLoungeRemoved, LoungeID: lg.ID})
	}
}
