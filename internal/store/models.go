package store

import (
	"strings"
	"time"
)

// Search record statuses. Terminal states are sinks: once a record leaves
// StatusSearching it is never mutated again.
const (
	StatusSearching = "searching"
	StatusMatched   = "matched"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Chat types.
const (
	ChatAnonymous = "anonymous"
	ChatPermanent = "permanent"
)

// Contact request statuses.
const (
	ContactPending  = "pending"
	ContactAccepted = "accepted"
	ContactDeclined = "declined"
	ContactBlocked  = "blocked"
)

// AnonymousChatTTL is how long an anonymous chat stays open after creation.
const AnonymousChatTTL = 24 * time.Hour

// User is a directory entry. The core reads gender/age/rating and writes
// only the presence fields (is_active, last_active) and the computed rating.
type User struct {
	ID         string
	TelegramID int64
	Gender     string
	Age        int
	Rating     float64
	IsActive   bool
	LastActive time.Time
}

// SearchRecord is a user's declared intent to be paired.
type SearchRecord struct {
	ID             string
	UserID         string
	TelegramID     int64
	Status         string
	Gender         string
	Age            int
	Rating         float64
	DesiredGenders []string
	DesiredAgeMin  int
	DesiredAgeMax  int
	MinRating      float64 // -1 means any
	UseGeo         bool
	Longitude      float64 // valid only when UseGeo
	Latitude       float64 // valid only when UseGeo
	MaxDistanceKm  float64 // valid only when UseGeo

	// Populated iff Status == StatusMatched.
	MatchedUserID     string
	MatchedTelegramID int64
	MatchedChatID     string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// joinGenders flattens the desired-gender set for storage, comma-joined the
// same way the session layer stores room names.
func joinGenders(genders []string) string {
	return strings.Join(genders, ",")
}

func splitGenders(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

// ChatRecord is a two-party chat created atomically with a match.
type ChatRecord struct {
	ID          string
	UserA       string
	UserB       string
	TelegramA   int64
	TelegramB   int64
	Type        string
	IsActive    bool
	ExpiresAt   *time.Time
	LastMessage string
	StartedAt   time.Time
	EndedAt     *time.Time
	EndedBy     string
	EndReason   string
}

// IsParticipant reports whether userID is one of the chat's two parties.
func (c *ChatRecord) IsParticipant(userID string) bool {
	return userID == c.UserA || userID == c.UserB
}

// Partner returns the other participant's user ID, or "" if userID is not a
// participant.
func (c *ChatRecord) Partner(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	}
	return ""
}

// Message is one entry in a chat's append-only message list.
type Message struct {
	ID       int64
	ChatID   string
	SenderID string
	Content  string
	SentAt   time.Time
	IsRead   bool
}

// Rating is one participant's score of the other for a given chat.
type Rating struct {
	ID        string
	ChatID    string
	RaterID   string
	RatedID   string
	Score     int
	Comment   string
	CreatedAt time.Time
}

// Contact is a contact-exchange request between two chat participants.
type Contact struct {
	ID          string
	RequesterID string
	RecipientID string
	ChatID      string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
