package chat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// Cursor marks the oldest message a caller has already seen. Pagination walks
// strictly older entries, so the cursor is derived purely from delivered data
// and the server keeps no per-page state.
type Cursor struct {
	CreatedAt time.Time
	ID        int64
}

type cursorWire struct {
	TS int64 `json:"ts"` // unix microseconds
	ID int64 `json:"id"`
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(cursorWire{TS: c.CreatedAt.UnixMicro(), ID: c.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by Encode. A malformed token is the
// caller's fault, not a server failure.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: bad cursor", ErrInvalidArgument)
	}
	var w cursorWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return Cursor{}, fmt.Errorf("%w: bad cursor", ErrInvalidArgument)
	}
	if w.ID <= 0 {
		return Cursor{}, fmt.Errorf("%w: bad cursor", ErrInvalidArgument)
	}
	return Cursor{CreatedAt: time.UnixMicro(w.TS).UTC(), ID: w.ID}, nil
}
