package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	req := require.New(t)
	in := Cursor{CreatedAt: time.Date(2025, 6, 1, 12, 30, 45, 123456000, time.UTC), ID: 42}

	out, err := DecodeCursor(in.Encode())
	req.NoError(err)
	req.Equal(in.ID, out.ID)
	req.True(in.CreatedAt.Equal(out.CreatedAt))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	req := require.New(t)

	for _, token := range []string{
		"not base64 !!!",
		"aGVsbG8",         // valid base64, not json
		"e30",             // "{}" — no id
		Cursor{}.Encode(), // zero id
	} {
		_, err := DecodeCursor(token)
		req.ErrorIs(err, ErrInvalidArgument, "token %q", token)
	}
}
