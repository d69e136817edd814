package core

import (
	"context"
	"net/http"
)

// Identity is who a connection belongs to once authenticated.
type Identity struct {
	UserID   string         `json:"user_id"`
	Username string         `json:"username"`
	User     map[string]any `json:"user,omitempty"`
}

// Authenticator resolves a token to an identity. Authorization policy lives behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*Identity, error)

// Authenticate implements Authenticator.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*Identity, error) {
	return f(ctx, token)
}

// UpgradeRequest is what the transport knows before accepting a socket.
type UpgradeRequest struct {
	Token      string
	Header     http.Header
	RemoteAddr string
}

// Session is the accepted identity of a connection about to be upgraded.
type Session struct {
	ID       string
	Token    string
	Identity *Identity
}

// UpgradeError rejects an upgrade. Location turns it into a redirect.
type UpgradeError struct {
	Status   int
	Reason   string
	Location string
}

func (e *UpgradeError) Error() string {
	return e.Reason
}
