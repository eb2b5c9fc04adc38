package notification

import "time"

// Type classifies a notification.
type Type string

const (
	TypeLike         Type = "like"
	TypeComment      Type = "comment"
	TypePointsEarned Type = "points_earned"
)

// Notification is a message to a recipient about another user's action.
// Only the recipient may flip Read.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ActorID   string    `json:"actor_id"`
	Type      Type      `json:"type"`
	PostID    int64     `json:"post_id,omitempty"`
	Read      bool      `json:"read"`
	Body      string    `json:"body,omitempty"`
	DedupKey  string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// PushSubscription is a delivery endpoint (device token) registered by a user.
type PushSubscription struct {
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	CreatedAt time.Time `json:"created_at"`
}
