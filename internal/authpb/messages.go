package authpb

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Sign-out scopes.
const (
	ScopeLocal  = "local"
	ScopeGlobal = "global"
)

// Watch event kinds pushed by the server.
const (
	EventSignedOut   = "signed-out"
	EventUserUpdated = "user-updated"
)

const StatusOK = "OK"

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
	CreatedAt    string         `json:"created_at,omitempty"`
	UpdatedAt    string         `json:"updated_at,omitempty"`
}

type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the access token expiry in unix seconds.
	ExpiresAt int64 `json:"expires_at"`
	User      *User `json:"user,omitempty"`
}

type Empty struct{}

type SignUpRequest struct {
	Email        string         `json:"email"`
	Password     string         `json:"password"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// SignUpResponse carries a session only when the server confirms new
// accounts immediately.
type SignUpResponse struct {
	User    *User    `json:"user"`
	Session *Session `json:"session,omitempty"`
}

type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type SessionResponse struct {
	Session *Session `json:"session"`
}

type UserResponse struct {
	User *User `json:"user"`
}

type UpdateUserRequest struct {
	UserMetadata map[string]any `json:"user_metadata"`
}

type SetRolesRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

type SignOutRequest struct {
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope,omitempty"`
}

type StartOAuthRequest struct {
	Provider string `json:"provider"`
}

type StartOAuthResponse struct {
	URL    string `json:"url"`
	FlowID string `json:"flow_id"`
}

type AwaitOAuthRequest struct {
	FlowID string `json:"flow_id"`
}

type Event struct {
	Kind string `json:"kind"`
	User *User  `json:"user,omitempty"`
}

type PingResponse struct {
	Status string `json:"status"`
}

// Encode converts a message into the Struct sent on the wire.
func Encode(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	st, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return st, nil
}

// Decode fills v from a wire Struct. A nil Struct decodes as empty.
func Decode(st *structpb.Struct, v any) error {
	if st == nil {
		st = &structpb.Struct{}
	}
	b, err := json.Marshal(st.AsMap())
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

// FormatTime renders t for the wire; the zero time becomes "".
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime is the inverse of FormatTime. Values that do not parse yield
// the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
