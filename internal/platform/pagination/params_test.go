package pagination

import (
	"errors"
	"net/url"
	"testing"
	"time"
)

func TestFromQueryDefaults(t *testing.T) {
	params, err := FromQuery(url.Values{}, Options{DefaultPageSize: 20, MaxPageSize: 100})
	if err != nil {
		t.Fatalf("FromQuery: %v", err)
	}
	if params.PageSize != 20 || params.PageToken != "" {
		t.Fatalf("unexpected params %#v", params)
	}
}

func TestFromQueryClampsPageSize(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int
	}{
		{"within range", "35", 35},
		{"above max", "500", 100},
		{"zero falls back", "0", 20},
		{"negative falls back", "-3", 20},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			values := url.Values{"page_size": {tc.raw}}
			params, err := FromQuery(values, Options{DefaultPageSize: 20, MaxPageSize: 100})
			if err != nil {
				t.Fatalf("FromQuery: %v", err)
			}
			if params.PageSize != tc.want {
				t.Fatalf("PageSize = %d, want %d", params.PageSize, tc.want)
			}
		})
	}
}

func TestFromQueryRejectsNonNumericPageSize(t *testing.T) {
	values := url.Values{"page_size": {"lots"}}
	_, err := FromQuery(values, Options{})
	if !errors.Is(err, ErrInvalidPageSize) {
		t.Fatalf("expected ErrInvalidPageSize, got %v", err)
	}
}

func TestFromQueryTrimsPageToken(t *testing.T) {
	values := url.Values{"page_token": {"  abc  "}}
	params, err := FromQuery(values, Options{})
	if err != nil {
		t.Fatalf("FromQuery: %v", err)
	}
	if params.PageToken != "abc" {
		t.Fatalf("PageToken = %q", params.PageToken)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	cursor := Cursor{
		CreatedAt: time.Date(2025, 4, 1, 12, 0, 0, 123456789, time.UTC),
		ID:        "ord_123",
	}
	token := EncodeCursor(cursor)
	if token == "" {
		t.Fatalf("expected non-empty token")
	}

	decoded, err := DecodeCursor(token)
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if !decoded.CreatedAt.Equal(cursor.CreatedAt) || decoded.ID != cursor.ID {
		t.Fatalf("round trip mismatch: %#v", decoded)
	}
}

func TestDecodeCursorEmptyToken(t *testing.T) {
	cursor, err := DecodeCursor("   ")
	if err != nil {
		t.Fatalf("DecodeCursor: %v", err)
	}
	if !cursor.CreatedAt.IsZero() || cursor.ID != "" {
		t.Fatalf("expected zero cursor, got %#v", cursor)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, token := range []string{"!!!", "bm90LWEtY3Vyc29y"} {
		if _, err := DecodeCursor(token); !errors.Is(err, ErrInvalidPageToken) {
			t.Fatalf("token %q: expected ErrInvalidPageToken, got %v", token, err)
		}
	}
}
