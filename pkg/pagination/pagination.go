package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// Limit bounds
const (
	DefaultLimit = 20
	MaxLimit     = 100
	MinLimit     = 1
)

// ParseLimit parses a limit query parameter, clamping it to [MinLimit, MaxLimit]
func ParseLimit(limitStr string) (int, error) {
	if limitStr == "" {
		return DefaultLimit, nil
	}
	l, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	return ClampLimit(l), nil
}

// ClampLimit clamps l to [MinLimit, MaxLimit]; zero or less means default
func ClampLimit(l int) int {
	switch {
	case l <= 0:
		return DefaultLimit
	case l > MaxLimit:
		return MaxLimit
	default:
		return l
	}
}

// Cursor is an opaque position inside a bucketed, time-partitioned table:
// the bucket being read plus the driver page state within it. An empty
// State means the bucket starts from its newest row.
type Cursor struct {
	Bucket int
	State  []byte
}

// Encode renders the cursor as "<bucket>.<base64url state>"
func (c Cursor) Encode() string {
	return strconv.Itoa(c.Bucket) + "." + base64.RawURLEncoding.EncodeToString(c.State)
}

// DecodeCursor parses a token produced by Cursor.Encode
func DecodeCursor(token string) (Cursor, error) {
	bucketStr, stateStr, ok := strings.Cut(token, ".")
	if !ok {
		return Cursor{}, fmt.Errorf("malformed page token")
	}
	bucket, err := strconv.Atoi(bucketStr)
	if err != nil || bucket <= 0 {
		return Cursor{}, fmt.Errorf("malformed page token bucket")
	}
	state, err := base64.RawURLEncoding.DecodeString(stateStr)
	if err != nil {
		return Cursor{}, fmt.Errorf("malformed page token state: %w", err)
	}
	if len(state) == 0 {
		state = nil
	}
	return Cursor{Bucket: bucket, State: state}, nil
}
