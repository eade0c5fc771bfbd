package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidPageToken is returned when a page token cannot be decoded.
var ErrInvalidPageToken = errors.New("pagination: invalid page_token")

// Cursor pins a position in a newest-first listing: creation time first,
// document id as the tiebreaker.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// EncodeCursor serialises the cursor into an opaque URL-safe page token.
func EncodeCursor(cursor Cursor) string {
	payload := fmt.Sprintf("%s|%s", cursor.CreatedAt.UTC().Format(time.RFC3339Nano), cursor.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

// DecodeCursor parses a token produced by EncodeCursor back into a cursor.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("%w: malformed payload", ErrInvalidPageToken)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return Cursor{CreatedAt: ts, ID: parts[1]}, nil
}
