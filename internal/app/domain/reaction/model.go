package reaction

import (
	"fmt"
	"time"
)

// Type is the kind of reaction a user leaves on a post.
type Type string

const (
	Like    Type = "like"
	Dislike Type = "dislike"
)

// ParseType validates a raw reaction type.
func ParseType(raw string) (Type, error) {
	switch Type(raw) {
	case Like, Dislike:
		return Type(raw), nil
	}
	return "", fmt.Errorf("unknown reaction type %q", raw)
}

// State is the reaction state of one user on one post. The empty state is none.
type State string

const (
	StateNone     State = ""
	StateLiked    State = "liked"
	StateDisliked State = "disliked"
)

// StateOf maps a reaction type to the state it produces.
func StateOf(t Type) State {
	switch t {
	case Like:
		return StateLiked
	case Dislike:
		return StateDisliked
	}
	return StateNone
}

// TypeOf maps a non-empty state back to its reaction type.
func TypeOf(s State) (Type, bool) {
	switch s {
	case StateLiked:
		return Like, true
	case StateDisliked:
		return Dislike, true
	}
	return "", false
}

// Toggle applies a toggle of t to the current state: toggling the active type
// retracts it, toggling the other type replaces it.
func Toggle(current State, t Type) State {
	next := StateOf(t)
	if current == next {
		return StateNone
	}
	return next
}

// Op is the change recorded by an event.
type Op string

const (
	OpInsert Op = "insert"
	OpDelete Op = "delete"
)

// Key identifies the single reaction slot of a user on a post.
type Key struct {
	PostID int64
	UserID string
}

// Reaction is the persisted row for a key.
type Reaction struct {
	PostID    int64     `json:"post_id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is an authoritative change on the reaction table. Seq is strictly
// increasing across all events, hence also per key.
type Event struct {
	Seq       int64     `json:"seq"`
	PostID    int64     `json:"post_id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Op        Op        `json:"op"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the reaction slot the event applies to.
func (e Event) Key() Key { return Key{PostID: e.PostID, UserID: e.UserID} }

// Result is the state the event leaves its key in.
func (e Event) Result() State {
	if e.Op == OpDelete {
		return StateNone
	}
	return StateOf(e.Type)
}

// Snapshot is the persisted reaction set of a post at a point in the event log.
type Snapshot struct {
	PostID       int64
	AuthorID     string
	Reactions    []Reaction
	CommentCount int64
	// Watermark is the highest event sequence reflected in the snapshot.
	Watermark int64
}

// Aggregate is the derived engagement view of a post for one viewer.
type Aggregate struct {
	PostID         int64 `json:"post_id"`
	LikeCount      int64 `json:"like_count"`
	DislikeCount   int64 `json:"dislike_count"`
	CommentCount   int64 `json:"comment_count"`
	ViewerReaction State `json:"viewer_reaction,omitempty"`
	// Pending is true while the viewer's reaction is an unconfirmed local guess.
	Pending bool `json:"pending,omitempty"`
}
