package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

// ErrInvalidPageSize is returned when page_size is present but not an integer.
var ErrInvalidPageSize = errors.New("pagination: invalid page_size")

// Params bundles the cursor pagination values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
}

// Options control how FromQuery resolves defaults for a given handler.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromQuery parses page_size and page_token from the supplied query values.
// Out-of-range sizes are clamped rather than rejected; only non-numeric input
// is an error.
func FromQuery(values url.Values, opts Options) (Params, error) {
	if values == nil {
		values = url.Values{}
	}

	maxPageSize := opts.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	defaultPageSize := opts.DefaultPageSize
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	if defaultPageSize > maxPageSize {
		defaultPageSize = maxPageSize
	}

	pageSize := defaultPageSize
	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		}
		switch {
		case size <= 0:
			pageSize = defaultPageSize
		case size > maxPageSize:
			pageSize = maxPageSize
		default:
			pageSize = size
		}
	}

	return Params{
		PageSize:  pageSize,
		PageToken: strings.TrimSpace(values.Get("page_token")),
	}, nil
}
