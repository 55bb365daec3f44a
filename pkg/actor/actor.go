// Package actor identifies the user or system performing a ledger action.
package actor

import (
	"context"
	"fmt"
)

// SystemID identifies scheduled jobs and other non-user operations.
const SystemID = "00000000-0000-0000-0000-000000000000"

// Actor represents the entity performing an action in the system.
type Actor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Email       string   `json:"email"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"-"`
}

// String returns a string representation of the actor for logging
func (a *Actor) String() string {
	if a == nil {
		return "system"
	}
	return fmt.Sprintf("%s (%s)", a.Name, a.Email)
}

// DisplayName is the responsible-party label written on movements.
func (a *Actor) DisplayName() string {
	switch {
	case a == nil:
		return "system"
	case a.Name != "":
		return a.Name
	case a.Email != "":
		return a.Email
	}
	return a.ID
}

type contextKey struct{}

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(contextKey{}).(*Actor)
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, a)
}

// SystemActor is the identity scheduled sweeps and scans run under.
func SystemActor() *Actor {
	return &Actor{
		ID:    SystemID,
		Name:  "System",
		Email: "system@medflow.local",
	}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	return a == nil || a.ID == SystemID
}
