package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// ID is the canonical identifier for users, accommodations, chats and messages.
// Upstream payloads carry ids either as plain strings or as embedded objects
// ({"_id": ...}, {"id": ...}, {"$oid": ...}); they are normalized once while
// decoding so business logic only ever compares strings.
type ID string

// NilID is the empty identifier
const NilID ID = ""

// String implements fmt.Stringer
func (id ID) String() string { return string(id) }

// IsZero reports whether the id is empty
func (id ID) IsZero() bool { return id == NilID }

// IDFromUUID converts a uuid into an ID
func IDFromUUID(u uuid.UUID) ID {
	if u == uuid.Nil {
		return NilID
	}
	return ID(u.String())
}

// UUID parses the id as a uuid
func (id ID) UUID() (uuid.UUID, error) {
	return uuid.Parse(string(id))
}

// UnmarshalJSON accepts a string, a number, null, or an object wrapping an id
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = NilID
		return nil
	}

	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode id: %w", err)
	}

	normalized, ok := normalize(raw)
	if !ok {
		return fmt.Errorf("unsupported id value: %s", string(data))
	}
	*id = normalized
	return nil
}

// NormalizeID converts a loosely typed value into an ID. It returns NilID
// when the value carries no recognizable identifier.
func NormalizeID(v any) ID {
	id, _ := normalize(v)
	return id
}

func normalize(v any) (ID, bool) {
	switch t := v.(type) {
	case nil:
		return NilID, true
	case ID:
		return t, true
	case string:
		return ID(strings.TrimSpace(t)), true
	case json.Number:
		return ID(t.String()), true
	case float64:
		return ID(strconv.FormatFloat(t, 'f', -1, 64)), true
	case int:
		return ID(strconv.Itoa(t)), true
	case int64:
		return ID(strconv.FormatInt(t, 10)), true
	case uuid.UUID:
		return IDFromUUID(t), true
	case map[string]any:
		for _, key := range []string{"_id", "id", "$oid"} {
			if inner, ok := t[key]; ok {
				return normalize(inner)
			}
		}
		return NilID, false
	default:
		return NilID, false
	}
}
