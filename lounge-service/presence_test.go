package main

import (
	"context"
	"testing"
	"time"
)

func TestSweepPresence_EvictsSilentMembers(t *testing.T) {
	coord, store, bus, clock := newTestCoordinator(t)

	lounge := mustCreate(t, coord, "host", "Quiet", 0)
	if _, err := coord.JoinLounge(context.Background(), "ghost", lounge.ID); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// Host keeps heartbeating; ghost goes silent past the expiry.
	clock.Advance(coord.cfg.PresenceExpiry + time.Second)
	if err := coord.TouchPresence(context.Background(), "host"); err != nil {
		t.Fatalf("TouchPresence failed: %v", err)
	}

	evicted := coord.SweepPresence(context.Background())
	if evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}

	if _, err := store.MembershipByUser(context.Background(), "ghost"); err == nil {
		t.Error("Expected ghost to be evicted")
	}
	if _, err := store.MembershipByUser(context.Background(), "host"); err != nil {
		t.Errorf("Expected host to keep their seat: %v", err)
	}

	var ghostLeft bool
	for _, e := range bus.ofType(EventMemberLeft) {
		if e.Member != nil && e.Member.UserID == "ghost" {
			ghostLeft = true
		}
	}
	if !ghostLeft {
		t.Error("Expected member_left event for the evicted ghost")
	}
}

func TestSweepPresence_HeartbeatSavesSeat(t *testing.T) {
	coord, store, _, clock := newTestCoordinator(t)

	mustCreate(t, coord, "kenji", "Alive", 0)

	clock.Advance(coord.cfg.PresenceExpiry - time.Second)
	if err := coord.TouchPresence(context.Background(), "kenji"); err != nil {
		t.Fatalf("TouchPresence failed: %v", err)
	}
	clock.Advance(2 * time.Second)

	if evicted := coord.SweepPresence(context.Background()); evicted != 0 {
		t.Errorf("Expected no evictions, got %d", evicted)
	}
	if _, err := store.MembershipByUser(context.Background(), "kenji"); err != nil {
		t.Errorf("Expected kenji to keep their seat: %v", err)
	}
}

func TestSweepPresence_Idempotent(t *testing.T) {
	coord, _, _, clock := newTestCoordinator(t)

	mustCreate(t, coord, "ghost", "Haunted", 0)
	clock.Advance(coord.cfg.PresenceExpiry + time.Second)

	if evicted := coord.SweepPresence(context.Background()); evicted != 1 {
		t.Fatalf("Expected 1 eviction on first sweep, got %d", evicted)
	}
	if evicted := coord.SweepPresence(context.Background()); evicted != 0 {
		t.Errorf("Expected second sweep to be a no-op, got %d evictions", evicted)
	}
}

func TestSweepPresence_ReclaimsEmptyLounge(t *testing.T) {
	coord, store, bus, clock := newTestCoordinator(t)

	lounge := mustCreate(t, coord, "host", "Abandoned", 0)
	if err := coord.LeaveLounge(context.Background(), "host"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	// Inside the grace period the lounge stays active.
	clock.Advance(coord.cfg.EmptyGrace / 2)
	coord.SweepPresence(context.Background())
	lg, err := store.GetLounge(context.Background(), lounge.ID)
	if err != nil {
		t.Fatalf("GetLounge failed: %v", err)
	}
	if !lg.IsActive {
		t.Fatal("Expected lounge to survive the grace period")
	}

	clock.Advance(coord.cfg.EmptyGrace)
	coord.SweepPresence(context.Background())

	lg, err = store.GetLounge(context.Background(), lounge.ID)
	if err != nil {
		t.Fatalf("GetLounge failed: %v", err)
	}
	if lg.IsActive {
		t.Error("Expected lounge deactivated after grace period")
	}
	if got := bus.ofType(EventLoungeRemoved); len(got) != 1 {
		t.Errorf("Expected 1 lounge_removed event, got %d", len(got))
	}
}

func TestSweepPresence_RejoinCancelsReclaim(t *testing.T) {
	coord, store, _, clock := newTestCoordinator(t)

	lounge := mustCreate(t, coord, "host", "Revived", 0)
	if err := coord.LeaveLounge(context.Background(), "host"); err != nil {
		t.Fatalf("Leave failed: %v", err)
	}

	clock.Advance(coord.cfg.EmptyGrace / 2)
	if _, err := coord.JoinLounge(context.Background(), "newcomer", lounge.ID); err != nil {
		t.Fatalf("Rejoin failed: %v", err)
	}

	clock.Advance(coord.cfg.EmptyGrace)
	// The newcomer is silent too and gets evicted, which restarts the
	// grace timer rather than reclaiming immediately.
	coord.SweepPresence(context.Background())

	lg, err := store.GetLounge(context.Background(), lounge.ID)
	if err != nil {
		t.Fatalf("GetLounge failed: %v", err)
	}
	if !lg.IsActive {
		t.Error("Expected grace timer restarted after eviction, not immediate reclaim")
	}
}

func TestSweepPresence_EvictionMarksEmpty(t *testing.T) {
	coord, store, _, clock := newTestCoordinator(t)

	lounge := mustCreate(t, coord, "loner", "Solo", 0)

	clock.Advance(coord.cfg.PresenceExpiry + time.Second)
	if evicted := coord.SweepPresence(context.Background()); evicted != 1 {
		t.Fatalf("Expected 1 eviction, got %d", evicted)
	}

	clock.Advance(coord.cfg.EmptyGrace + time.Second)
	coord.SweepPresence(context.Background())

	lg, err := store.GetLounge(context.Background(), lounge.ID)
	if err != nil {
		t.Fatalf("GetLounge failed: %v", err)
	}
	if lg.IsActive {
		t.Error("Expected lounge reclaimed after its evicted last member")
	}
}
