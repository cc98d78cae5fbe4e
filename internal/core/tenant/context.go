// Package tenant carries the resolved tenant scope through context.
//
// Authentication and tenant resolution happen outside this core; by the time
// a command reaches the ledger the caller has already established which
// tenant and actor it runs for. Every repository scopes its queries by the
// tenant from context — a missing scope on a mutating path is a programming
// error.
package tenant

import (
	"context"
	"errors"

	"stockledger/internal/core/id"
)

// Scope identifies the tenant and acting user for one request.
type Scope struct {
	// TenantID partitions every ledger table.
	TenantID id.ID

	// ActorID is the user performing the command; recorded on movements
	// and audit entries. May be nil for system-initiated operations.
	ActorID id.ID
}

type ctxKey int

const scopeKey ctxKey = iota

// ErrNoScopeInContext is returned when a tenant scope was never attached.
var ErrNoScopeInContext = errors.New("tenant scope not found in context")

// WithScope stores the tenant scope in context.
func WithScope(ctx context.Context, scope Scope) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

// GetScope retrieves the tenant scope from context.
func GetScope(ctx context.Context) (Scope, error) {
	scope, ok := ctx.Value(scopeKey).(Scope)
	if !ok || id.IsNil(scope.TenantID) {
		return Scope{}, ErrNoScopeInContext
	}
	return scope, nil
}

// MustGetScope retrieves the tenant scope or panics.
// Use on mutating paths where a missing scope is a programming error.
func MustGetScope(ctx context.Context) Scope {
	scope, err := GetScope(ctx)
	if err != nil {
		panic("tenant scope not in context: " + err.Error())
	}
	return scope
}

// TenantID is a convenience accessor for the tenant from context.
func TenantID(ctx context.Context) (id.ID, error) {
	scope, err := GetScope(ctx)
	if err != nil {
		return id.Nil(), err
	}
	return scope.TenantID, nil
}

// Actor returns the acting user from context, or nil ID when absent.
func Actor(ctx context.Context) id.ID {
	scope, err := GetScope(ctx)
	if err != nil {
		return id.Nil()
	}
	return scope.ActorID
}
