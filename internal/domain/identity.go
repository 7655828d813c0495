package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

const (
	RoleAdmin   = "admin"
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// Identity is the authenticated user driving a session. Token is forwarded
// verbatim to the Recognition Service, which owns verification.
type Identity struct {
	UserID    string
	Email     string
	Role      string
	Token     string
	ExpiresAt time.Time
}

func (i Identity) IsStaff() bool {
	return i.Role == RoleAdmin || i.Role == RoleTeacher
}

func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// ExternalID is an identifier minted by the attendance backend. It decodes
// from a JSON string or number; null decodes to "".
type ExternalID string

func (id *ExternalID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ExternalID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ExternalID(n.String())
	return nil
}
