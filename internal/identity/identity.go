// Package identity adapts the external identity provider to the chat
// core. Authentication itself is out of scope: the gateway sits behind an
// auth proxy that injects the verified user into each request, and this
// package only reads what the proxy forwarded.
package identity

import (
	"net/http"

	"github.com/studiolink/chat-backend/internal/chat"
	"github.com/studiolink/chat-backend/internal/models"
)

// Headers the auth proxy sets on every authenticated request.
const (
	HeaderUserID      = "X-User-Id"
	HeaderDisplayName = "X-User-Name"
)

// RequestIdentity resolves the current user from forwarded auth headers.
// Websocket upgrades cannot always set headers from the browser, so the
// same values are accepted as query parameters.
type RequestIdentity struct {
	r *http.Request
}

// FromRequest builds an identity provider for one request.
func FromRequest(r *http.Request) *RequestIdentity {
	return &RequestIdentity{r: r}
}

// CurrentUser returns the authenticated user, or ErrUnauthenticated when
// the request carries no identity.
func (ri *RequestIdentity) CurrentUser() (*models.User, error) {
	id := ri.r.Header.Get(HeaderUserID)
	name := ri.r.Header.Get(HeaderDisplayName)
	if id == "" {
		id = ri.r.URL.Query().Get("user_id")
		name = ri.r.URL.Query().Get("display_name")
	}
	if id == "" {
		return nil, chat.ErrUnauthenticated
	}
	if name == "" {
		name = id
	}
	return &models.User{ID: id, DisplayName: name}, nil
}

// Static is a fixed identity, useful for tools and tests.
type Static struct {
	User models.User
}

// CurrentUser returns the fixed user.
func (s Static) CurrentUser() (*models.User, error) {
	if s.User.ID == "" {
		return nil, chat.ErrUnauthenticated
	}
	u := s.User
	return &u, nil
}
