package monitor

import (
	"context"
	"fmt"
	"strings"
)

// Authorizer decides whether the process may record from the microphone.
// Authorize returns nil when access is granted and an error matching
// [ErrPermissionDenied] when it is refused.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// AuthorizerFunc adapts a function to [Authorizer].
type AuthorizerFunc func(ctx context.Context) error

// Authorize calls f(ctx).
func (f AuthorizerFunc) Authorize(ctx context.Context) error { return f(ctx) }

// AllowAll grants every request.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context) error { return nil })

// StaticAuthorizer answers every request with a fixed decision.
type StaticAuthorizer struct {
	Granted bool
}

// Authorize implements [Authorizer].
func (a StaticAuthorizer) Authorize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.Granted {
		return ErrPermissionDenied
	}
	return nil
}

// ParseAccess maps the configuration values "granted" and "denied" to a
// [StaticAuthorizer]. An empty value grants access.
func ParseAccess(s string) (StaticAuthorizer, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "granted":
		return StaticAuthorizer{Granted: true}, nil
	case "denied":
		return StaticAuthorizer{Granted: false}, nil
	default:
		return StaticAuthorizer{}, fmt.Errorf("monitor: microphone access %q: want granted or denied", s)
	}
}
