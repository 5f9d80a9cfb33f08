package main

import "sync"

// roster mirrors lounge membership from the lounge event stream so delivery
// never has to query the coordinator. Each user sits in at most one lounge,
// so the reverse index is a plain map.
type roster struct {
	mu      sync.RWMutex
	lounges map[string]map[string]bool // loungeId -> set of userIds
	users   map[string]string          // userId -> loungeId
}

func newRoster() *roster {
	return &roster{
		lounges: make(map[string]map[string]bool),
		users:   make(map[string]string),
	}
}

// seat places the user in the lounge, displacing any prior seat. Events can
// arrive out of order across lounges; last write wins, matching the
// coordinator's single-membership rule.
func (r *roster) seat(loungeID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.users[userID]; ok && prev != loungeID {
		r.unseatLocked(prev, userID)
	}
	if r.lounges[loungeID] == nil {
		r.lounges[loungeID] = make(map[string]bool)
	}
	r.lounges[loungeID][userID] = true
	r.users[userID] = loungeID
}

func (r *roster) unseat(loungeID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Ignore a stale leave if the user already moved on.
	if cur, ok := r.users[userID]; !ok || cur != loungeID {
		return
	}
	r.unseatLocked(loungeID, userID)
	delete(r.users, userID)
}

func (r *roster) unseatLocked(loungeID, userID string) {
	if members, ok := r.lounges[loungeID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(r.lounges, loungeID)
		}
	}
}

func (r *roster) dropLounge(loungeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID := range r.lounges[loungeID] {
		delete(r.users, userID)
	}
	delete(r.lounges, loungeID)
}

func (r *roster) members(loungeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.lounges[loungeID]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for uid := range members {
		out = append(out, uid)
	}
	return out
}

func (r *roster) loungeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lounges)
}

func (r *roster) totalSeats() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
