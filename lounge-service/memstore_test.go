package main

import (
	"context"
	"sort"
	"sync"
)

// memStore is an in-memory Store for coordinator tests. It mirrors the
// transactional semantics of the Postgres implementation: JoinLounge is
// supersede-then-insert under one mutex hold, and the single-membership
// invariant is enforced by keying memberships on user.
type memStore struct {
	mu         sync.Mutex
	lounges    map[string]*Lounge
	members    map[string]*Membership // keyed by userID
	messages   map[string][]ChatMessage
	emptySince map[string]int64
	drinks     []Drink
}

func newMemStore() *memStore {
	return &memStore{
		lounges:    make(map[string]*Lounge),
		members:    make(map[string]*Membership),
		messages:   make(map[string][]ChatMessage),
		emptySince: make(map[string]int64),
	}
}

func (s *memStore) memberCount(loungeID string) int {
	n := 0
	for _, m := range s.members {
		if m.LoungeID == loungeID {
			n++
		}
	}
	return n
}

func (s *memStore) CreateLounge(_ context.Context, lounge *Lounge, host *Membership) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *lounge
	s.lounges[lounge.ID] = &cp
	var prev *Membership
	if old, ok := s.members[host.UserID]; ok {
		oc := *old
		prev = &oc
		delete(s.members, host.UserID)
	}
	hc := *host
	s.members[host.UserID] = &hc
	return prev, nil
}

func (s *memStore) GetLounge(_ context.Context, loungeID string) (*Lounge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lg, ok := s.lounges[loungeID]
	if !ok {
		return nil, ErrLoungeNotFound
	}
	cp := *lg
	cp.MemberCount = s.memberCount(loungeID)
	return &cp, nil
}

func (s *memStore) ListActiveLounges(_ context.Context) ([]Lounge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Lounge
	for _, lg := range s.lounges {
		if !lg.IsActive {
			continue
		}
		cp := *lg
		cp.MemberCount = s.memberCount(lg.ID)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *memStore) CountActiveLounges(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, lg := range s.lounges {
		if lg.IsActive {
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountMembers(_ context.Context, loungeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.memberCount(loungeID), nil
}

func (s *memStore) JoinLounge(_ context.Context, m *Membership) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lg, ok := s.lounges[m.LoungeID]
	if !ok || !lg.IsActive {
		return nil, ErrLoungeNotFound
	}

	var prev *Membership
	if old, ok := s.members[m.UserID]; ok {
		cp := *old
		prev = &cp
		delete(s.members, m.UserID)
	}

	if s.memberCount(m.LoungeID) >= lg.MaxMembers {
		// Supersede rolls back with the transaction.
		if prev != nil {
			cp := *prev
			s.members[prev.UserID] = &cp
		}
		return nil, ErrLoungeFull
	}

	cp := *m
	s.members[m.UserID] = &cp
	delete(s.emptySince, m.LoungeID)
	return prev, nil
}

func (s *memStore) MembershipByUser(_ context.Context, userID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok {
		return nil, ErrNotAMember
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) RemoveMembership(_ context.Context, userID string) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok {
		return nil, nil
	}
	cp := *m
	delete(s.members, userID)
	return &cp, nil
}

func (s *memStore) RemoveMembershipIfStale(_ context.Context, userID string, olderThan int64) (*Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[userID]
	if !ok || m.LastSeen >= olderThan {
		return nil, nil
	}
	cp := *m
	delete(s.members, userID)
	return &cp, nil
}

func (s *memStore) UpdateMembership(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.members[m.UserID]; !ok {
		return ErrNotAMember
	}
	cp := *m
	s.members[m.UserID] = &cp
	return nil
}

func (s *memStore) TouchPresence(_ context.Context, userID string, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.members[userID]; ok {
		m.LastSeen = lastSeen
	}
	return nil
}

func (s *memStore) ExpiredMemberships(_ context.Context, olderThan int64) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Membership
	for _, m := range s.members {
		if m.LastSeen < olderThan {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *memStore) SetEmptySince(_ context.Context, loungeID string, when int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lounges[loungeID]; ok {
		if _, marked := s.emptySince[loungeID]; !marked {
			s.emptySince[loungeID] = when
		}
	}
	return nil
}

func (s *memStore) EmptyLoungesBefore(_ context.Context, cutoff int64) ([]Lounge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Lounge
	for id, lg := range s.lounges {
		since, marked := s.emptySince[id]
		if lg.IsActive && marked && since < cutoff {
			out = append(out, *lg)
		}
	}
	return out, nil
}

func (s *memStore) DeactivateLounge(_ context.Context, loungeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lg, ok := s.lounges[loungeID]; ok {
		lg.IsActive = false
	}
	return nil
}

func (s *memStore) InsertMessage(_ context.Context, msg *ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.LoungeID] = append(s.messages[msg.LoungeID], *msg)
	return nil
}

func (s *memStore) RecentMessages(_ context.Context, loungeID string, limit int) ([]ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[loungeID]
	sorted := make([]ChatMessage, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt != sorted[j].CreatedAt {
			return sorted[i].CreatedAt < sorted[j].CreatedAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

func (s *memStore) ListDrinks(_ context.Context) ([]Drink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Drink, len(s.drinks))
	copy(out, s.drinks)
	return out, nil
}
