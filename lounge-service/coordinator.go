package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Bus publishes change events to subscribers of a lounge.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config holds the tunables. The presence constants are deliberately
// configuration, not contracts: expiry should be 2-3x the client heartbeat
// interval so one missed beat survives jitter but a dead client is reclaimed
// within about a minute.
type Config struct {
	LockTimeout     time.Duration
	PresenceExpiry  time.Duration
	SweepInterval   time.Duration
	EmptyGrace      time.Duration
	DefaultCapacity int
	MinCapacity     int
	MaxCapacity     int
	NameMaxLen      int
	ChatMaxLen      int
	RecentDefault   int
	RecentMax       int
}

func defaultConfig() Config {
	return Config{
		LockTimeout:     3 * time.Second,
		PresenceExpiry:  90 * time.Second,
		SweepInterval:   30 * time.Second,
		EmptyGrace:      5 * time.Minute,
		DefaultCapacity: 6,
		MinCapacity:     2,
		MaxCapacity:     12,
		NameMaxLen:      60,
		ChatMaxLen:      200,
		RecentDefault:   50,
		RecentMax:       200,
	}
}

// Coordinator owns every lounge mutation. All writes for one lounge pass
// through that lounge's lock, so events come out in mutation order.
type Coordinator struct {
	store Store
	bus   Bus
	locks *loungeLocks
	cfg   Config
	now   func() time.Time
}

func NewCoordinator(store Store, bus Bus, cfg Config) *Coordinator {
	return &Coordinator{
		store: store,
		bus:   bus,
		locks: newLoungeLocks(),
		cfg:   cfg,
		now:   time.Now,
	}
}

// lock acquires the given lounges in sorted order (deadlock-free for the
// dual-lock join path) and returns a release func. Fails with ErrTimeout
// after cfg.LockTimeout.
func (c *Coordinator) lock(ctx context.Context, loungeIDs ...string) (func(), error) {
	ids := make([]string, 0, len(loungeIDs))
	seen := make(map[string]bool, len(loungeIDs))
	for _, id := range loungeIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lctx, cancel := context.WithTimeout(ctx, c.cfg.LockTimeout)
	defer cancel()

	held := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := c.locks.Acquire(lctx, id); err != nil {
			for i := len(held) - 1; i >= 0; i-- {
				c.locks.Release(held[i])
			}
			return nil, ErrTimeout
		}
		held = append(held, id)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			c.locks.Release(held[i])
		}
	}, nil
}

func (c *Coordinator) emit(ctx context.Context, evt LoungeEvent) {
	evt.Timestamp = c.now().UnixMilli()
	data, err := json.Marshal(evt)
	if err != nil {
		slog.WarnContext(ctx, "Failed to marshal lounge event", "type", evt.Type, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, "lounge.event."+evt.LoungeID, data); err != nil {
		slog.WarnContext(ctx, "Failed to publish lounge event", "type", evt.Type, "lounge", evt.LoungeID, "error", err)
	}
}

// postNoticeLocked appends a coordinator-originated message to the chat log
// and emits chat_posted. Caller holds the lounge lock. Best effort: a failed
// notice never fails the operation that produced it.
func (c *Coordinator) postNoticeLocked(ctx context.Context, loungeID, userID, text, kind string) {
	msg := &ChatMessage{
		ID:        uuid.NewString(),
		LoungeID:  loungeID,
		UserID:    userID,
		Text:      text,
		Kind:      kind,
		CreatedAt: c.now().UnixMilli(),
	}
	if err := c.store.InsertMessage(ctx, msg); err != nil {
		slog.WarnContext(ctx, "Failed to insert notice", "lounge", loungeID, "error", err)
		return
	}
	c.emit(ctx, LoungeEvent{Type: EventChatPosted, LoungeID: loungeID, Message: msg})
}

// CreateLounge opens a lounge and seats the host in it, superseding any seat
// the host held elsewhere.
func (c *Coordinator) CreateLounge(ctx context.Context, user, name string, capacity int) (*Lounge, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > c.cfg.NameMaxLen {
		return nil, ErrInvalidName
	}
	if capacity == 0 {
		capacity = c.cfg.DefaultCapacity
	}
	if capacity < c.cfg.MinCapacity {
		capacity = c.cfg.MinCapacity
	}
	if capacity > c.cfg.MaxCapacity {
		capacity = c.cfg.MaxCapacity
	}

	nowMs := c.now().UnixMilli()
	lounge := &Lounge{
		ID:          uuid.NewString(),
		Name:        name,
		HostUserID:  user,
		MaxMembers:  capacity,
		IsActive:    true,
		MemberCount: 1,
		CreatedAt:   nowMs,
	}
	host := &Membership{
		ID:          uuid.NewString(),
		LoungeID:    lounge.ID,
		UserID:      user,
		CigarStatus: StatusSelecting,
		JoinedAt:    nowMs,
		LastSeen:    nowMs,
	}

	// Lock the prior lounge too: creating a lounge is a join, and the
	// host's old seat goes away with it.
	lockIDs := []string{lounge.ID}
	if prior, err := c.store.MembershipByUser(ctx, user); err == nil {
		lockIDs = append(lockIDs, prior.LoungeID)
	}

	release, err := c.lock(ctx, lockIDs...)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := c.store.CreateLounge(ctx, lounge, host)
	if err != nil {
		return nil, err
	}

	if prev != nil {
		c.emit(ctx, LoungeEvent{Type: EventMemberLeft, LoungeID: prev.LoungeID, Member: prev})
		c.postNoticeLocked(ctx, prev.LoungeID, user, fmt.Sprintf("%s left the lounge", user), KindSystem)
		c.markIfEmpty(ctx, prev.LoungeID)
	}

	c.emit(ctx, LoungeEvent{Type: EventLoungeCreated, LoungeID: lounge.ID, Lounge: lounge})
	c.emit(ctx, LoungeEvent{Type: EventMemberJoined, LoungeID: lounge.ID, Member: host})
	c.postNoticeLocked(ctx, lounge.ID, user, fmt.Sprintf("%s opened the lounge", user), KindSystem)
	return lounge, nil
}

// JoinLounge seats the user, superseding any prior membership in one
// transaction so the single-membership invariant holds even through a crash
// between remove and insert.
func (c *Coordinator) JoinLounge(ctx context.Context, user, loungeID string) (*Membership, error) {
	// Peek at the current seat so both affected lounges get locked. The
	// store transaction is what actually decides; a stale peek only costs
	// ordering on an already-departed lounge.
	lockIDs := []string{loungeID}
	if prior, err := c.store.MembershipByUser(ctx, user); err == nil && prior.LoungeID != loungeID {
		lockIDs = append(lockIDs, prior.LoungeID)
	}

	release, err := c.lock(ctx, lockIDs...)
	if err != nil {
		return nil, err
	}
	defer release()

	nowMs := c.now().UnixMilli()
	m := &Membership{
		ID:          uuid.NewString(),
		LoungeID:    loungeID,
		UserID:      user,
		CigarStatus: StatusSelecting,
		JoinedAt:    nowMs,
		LastSeen:    nowMs,
	}

	prev, err := c.store.JoinLounge(ctx, m)
	if err != nil {
		return nil, err
	}

	if prev != nil && prev.LoungeID != loungeID {
		c.emit(ctx, LoungeEvent{Type: EventMemberLeft, LoungeID: prev.LoungeID, Member: prev})
		c.postNoticeLocked(ctx, prev.LoungeID, user, fmt.Sprintf("%s left the lounge", user), KindSystem)
		c.markIfEmpty(ctx, prev.LoungeID)
	}

	c.emit(ctx, LoungeEvent{Type: EventMemberJoined, LoungeID: loungeID, Member: m})
	c.postNoticeLocked(ctx, loungeID, user, fmt.Sprintf("%s joined the lounge", user), KindSystem)
	return m, nil
}

// LeaveLounge removes the caller's seat if present. Idempotent: leaving
// twice is a no-op, not an error.
func (c *Coordinator) LeaveLounge(ctx context.Context, user string) error {
	cur, err := c.store.MembershipByUser(ctx, user)
	if err != nil {
		if errors.Is(err, ErrNotAMember) {
			return nil
		}
		return err
	}

	release, err := c.lock(ctx, cur.LoungeID)
	if err != nil {
		return err
	}
	defer release()

	removed, err := c.store.RemoveMembership(ctx, user)
	if err != nil {
		return err
	}
	if removed == nil {
		return nil
	}

	c.emit(ctx, LoungeEvent{Type: EventMemberLeft, LoungeID: removed.LoungeID, Member: removed})
	c.postNoticeLocked(ctx, removed.LoungeID, user, fmt.Sprintf("%s left the lounge", user), KindSystem)
	c.markIfEmpty(ctx, removed.LoungeID)
	return nil
}

// markIfEmpty starts the reclamation grace timer when a lounge has no
// members left. Caller holds the lounge lock.
func (c *Coordinator) markIfEmpty(ctx context.Context, loungeID string) {
	count, err := c.store.CountMembers(ctx, loungeID)
	if err != nil {
		slog.WarnContext(ctx, "Failed to count members", "lounge", loungeID, "error", err)
		return
	}
	if count == 0 {
		if err := c.store.SetEmptySince(ctx, loungeID, c.now().UnixMilli()); err != nil {
			slog.WarnContext(ctx, "Failed to mark lounge empty", "lounge", loungeID, "error", err)
		}
	}
}

var actionNarration = map[CigarStatus]string{
	StatusCut:      "cut their cigar",
	StatusLit:      "lit their cigar",
	StatusSmoking:  "is savoring the smoke",
	StatusFinished: "finished their cigar",
}

// UpdateActivity advances the member's cigar lifecycle by exactly one step.
func (c *Coordinator) UpdateActivity(ctx context.Context, user, status string, cigarID int) (*Membership, error) {
	to := CigarStatus(status)
	if !to.Valid() {
		return nil, ErrInvalidTransition
	}

	cur, err := c.store.MembershipByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	release, err := c.lock(ctx, cur.LoungeID)
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-read under the lock; the peek above only told us which lock to take.
	cur, err = c.store.MembershipByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := ValidateTransition(cur.CigarStatus, to); err != nil {
		return nil, err
	}

	switch to {
	case StatusCut:
		// Cutting commits to a cigar; the choice is then immutable until
		// the member restarts at selecting.
		if cigarID > 0 {
			cur.SelectedCigarID = cigarID
		}
		if cur.SelectedCigarID == 0 {
			return nil, ErrInvalidTransition
		}
	case StatusSelecting:
		cur.SelectedCigarID = 0
		cur.DrinkOrderID = 0
		cur.DrinkProgress = 0
	}

	cur.CigarStatus = to
	cur.LastSeen = c.now().UnixMilli()
	if err := c.store.UpdateMembership(ctx, cur); err != nil {
		return nil, err
	}

	c.emit(ctx, LoungeEvent{Type: EventMemberUpdated, LoungeID: cur.LoungeID, Member: cur})
	if narration, ok := actionNarration[to]; ok {
		c.postNoticeLocked(ctx, cur.LoungeID, user, fmt.Sprintf("%s %s", user, narration), KindAction)
	}
	return cur, nil
}

// OrderDrink records a drink order for the member and resets sip progress.
func (c *Coordinator) OrderDrink(ctx context.Context, user string, drinkID int) (*Membership, error) {
	cur, err := c.store.MembershipByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	release, err := c.lock(ctx, cur.LoungeID)
	if err != nil {
		return nil, err
	}
	defer release()

	cur, err = c.store.MembershipByUser(ctx, user)
	if err != nil {
		return nil, err
	}

	cur.DrinkOrderID = drinkID
	cur.DrinkProgress = 0
	cur.LastSeen = c.now().UnixMilli()
	if err := c.store.UpdateMembership(ctx, cur); err != nil {
		return nil, err
	}

	c.emit(ctx, LoungeEvent{Type: EventMemberUpdated, LoungeID: cur.LoungeID, Member: cur})
	c.postNoticeLocked(ctx, cur.LoungeID, user, fmt.Sprintf("%s ordered a drink from the bartender", user), KindAction)
	return cur, nil
}

// UpdateDrinkProgress clamps and persists sip progress. Hitting 100 never
// changes cigar status; what an empty glass means is the client's call.
func (c *Coordinator) UpdateDrinkProgress(ctx context.Context, user string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	cur, err := c.store.MembershipByUser(ctx, user)
	if err != nil {
		return err
	}

	release, err := c.lock(ctx, cur.LoungeID)
	if err != nil {
		return err
	}
	defer release()

	cur, err = c.store.MembershipByUser(ctx, user)
	if err != nil {
		return err
	}

	cur.DrinkProgress = progress
	cur.LastSeen = c.now().UnixMilli()
	if err := c.store.UpdateMembership(ctx, cur); err != nil {
		return err
	}

	c.emit(ctx, LoungeEvent{Type: EventMemberUpdated, LoungeID: cur.LoungeID, Member: cur})
	return nil
}

// TouchPresence refreshes the caller's liveness timestamp. No membership, no
// effect. Deliberately lock-free: it mutates nothing the per-lounge
// serialization protects.
func (c *Coordinator) TouchPresence(ctx context.Context, user string) error {
	return c.store.TouchPresence(ctx, user, c.now().UnixMilli())
}

// ListActiveLounges returns active lounges with member counts.
func (c *Coordinator) ListActiveLounges(ctx context.Context) ([]Lounge, error) {
	return c.store.ListActiveLounges(ctx)
}

// ListDrinks returns the bartender's menu.
func (c *Coordinator) ListDrinks(ctx context.Context) ([]Drink, error) {
	return c.store.ListDrinks(ctx)
}

// PostMessage appends to the lounge chat log. System messages are
// coordinator-originated and bypass the membership check; everything else
// requires a seat in that lounge.
func (c *Coordinator) PostMessage(ctx context.Context, user, loungeID, text, kind string) (*ChatMessage, error) {
	if kind == "" {
		kind = KindChat
	}
	if kind != KindChat && kind != KindAction && kind != KindSystem {
		return nil, ErrInvalidName
	}
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > c.cfg.ChatMaxLen {
		return nil, ErrInvalidName
	}

	lounge, err := c.store.GetLounge(ctx, loungeID)
	if err != nil {
		return nil, err
	}
	if !lounge.IsActive {
		return nil, ErrLoungeNotFound
	}

	if kind != KindSystem {
		m, err := c.store.MembershipByUser(ctx, user)
		if err != nil {
			return nil, err
		}
		if m.LoungeID != loungeID {
			return nil, ErrNotAMember
		}
	}

	release, err := c.lock(ctx, loungeID)
	if err != nil {
		return nil, err
	}
	defer release()

	msg := &ChatMessage{
		ID:        uuid.NewString(),
		LoungeID:  loungeID,
		UserID:    user,
		Text:      text,
		Kind:      kind,
		CreatedAt: c.now().UnixMilli(),
	}
	if err := c.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	c.emit(ctx, LoungeEvent{Type: EventChatPosted, LoungeID: loungeID, Message: msg})
	return msg, nil
}

// RecentMessages returns the newest messages in ascending (createdAt, id)
// order for initial client sync.
func (c *Coordinator) RecentMessages(ctx context.Context, loungeID string, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = c.cfg.RecentDefault
	}
	if limit > c.cfg.RecentMax {
		limit = c.cfg.RecentMax
	}
	if _, err := c.store.GetLounge(ctx, loungeID); err != nil {
		return nil, err
	}
	return c.store.RecentMessages(ctx, loungeID, limit)
}
