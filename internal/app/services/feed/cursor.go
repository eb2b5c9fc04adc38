package feed

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrInvalidCursor is returned for cursors that do not decode or do not fit
// the viewer's tier layout.
var ErrInvalidCursor = errors.New("invalid feed cursor")

// cursor is the keyset position of the last post served: its tier and its
// (created_at, id) sort key.
type cursor struct {
	Tier      int       `json:"t"`
	CreatedAt time.Time `json:"c"`
	ID        int64     `json:"i"`
}

func (c cursor) encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(token string) (*cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidCursor
	}
	if c.Tier < 0 || c.ID <= 0 || c.CreatedAt.IsZero() {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}
