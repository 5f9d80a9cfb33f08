package main

// Lounge is a capacity-bounded smoking session. MemberCount is filled on
// list/read responses and in events; it is derived, never stored.
type Lounge struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	HostUserID  string `json:"hostUserId"`
	MaxMembers  int    `json:"maxMembers"`
	IsActive    bool   `json:"isActive"`
	MemberCount int    `json:"memberCount"`
	CreatedAt   int64  `json:"createdAt"`
}

// Membership binds one user to one lounge plus their personal activity state.
// A user holds at most one membership globally.
type Membership struct {
	ID              string      `json:"id"`
	LoungeID        string      `json:"loungeId"`
	UserID          string      `json:"userId"`
	CigarStatus     CigarStatus `json:"cigarStatus"`
	SelectedCigarID int         `json:"selectedCigarId,omitempty"`
	DrinkOrderID    int         `json:"drinkOrderId,omitempty"`
	DrinkProgress   int         `json:"drinkProgress"`
	JoinedAt        int64       `json:"joinedAt"`
	LastSeen        int64       `json:"lastSeen"`
}

// Message kinds for lounge chat.
const (
	KindChat   = "chat"
	KindAction = "action"
	KindSystem = "system"
)

// ChatMessage is an immutable chat log entry, ordered by (CreatedAt, ID).
type ChatMessage struct {
	ID        string `json:"id"`
	LoungeID  string `json:"loungeId"`
	UserID    string `json:"userId"`
	Text      string `json:"text"`
	Kind      string `json:"kind"`
	CreatedAt int64  `json:"createdAt"`
}

// Drink is a menu entry served by the lounge bartender.
type Drink struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	Difficulty     string  `json:"difficulty"`
	Description    string  `json:"description,omitempty"`
	FlavorProfile  string  `json:"flavorProfile,omitempty"`
	AlcoholContent float64 `json:"alcoholContent,omitempty"`
	Price          int     `json:"price,omitempty"`
}

// Event types published to lounge.event.{loungeId}.
const (
	EventLoungeCreated = "lounge_created"
	EventLoungeRemoved = "lounge_removed"
	EventMemberJoined  = "member_joined"
	EventMemberLeft    = "member_left"
	EventMemberUpdated = "member_updated"
	EventChatPosted    = "chat_posted"
)

// LoungeEvent carries the full post-mutation value, never a delta, so
// subscribers can treat replays and duplicates as idempotent state
// replacement.
type LoungeEvent struct {
	Type      string       `json:"type"`
	LoungeID  string       `json:"loungeId"`
	Lounge    *Lounge      `json:"lounge,omitempty"`
	Member    *Membership  `json:"member,omitempty"`
	Message   *ChatMessage `json:"message,omitempty"`
	Timestamp int64        `json:"timestamp"`
}

// Request payloads for the NATS request/reply API.

type createRequest struct {
	User     string `json:"user"`
	Name     string `json:"name"`
	Capacity int    `json:"capacity,omitempty"`
}

type joinRequest struct {
	User string `json:"user"`
}

type leaveRequest struct {
	User string `json:"user"`
}

type activityRequest struct {
	User    string `json:"user"`
	Status  string `json:"status"`
	CigarID int    `json:"cigarId,omitempty"`
}

type drinkOrderRequest struct {
	User    string `json:"user"`
	DrinkID int    `json:"drinkId"`
}

type drinkProgressRequest struct {
	User     string `json:"user"`
	Progress int    `json:"progress"`
}

type touchRequest struct {
	User string `json:"user"`
}

type postRequest struct {
	User string `json:"user"`
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

type recentRequest struct {
	Limit int `json:"limit,omitempty"`
}

type recentResponse struct {
	Messages []ChatMessage `json:"messages"`
}

type okResponse struct {
	OK bool `json:"ok"`
}
