// Package auth holds the actor model and the access-control guard consulted
// before every mutating orchestrator operation.
package auth

import (
	"context"
	"errors"
)

var ErrForbidden = errors.New("forbidden")

// Role names, strictly increasing permission supersets.
const (
	RoleUser       = "user"
	RoleManagement = "management"
	RoleAdmin      = "admin"
)

// Actor is the authenticated principal attached to a request.
type Actor struct {
	ID   string
	Role string
}

func roleLevel(role string) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleManagement:
		return 2
	case RoleUser:
		return 1
	default:
		return 0
	}
}

// HasAtLeast reports whether the actor's role meets or exceeds the given one.
func (a Actor) HasAtLeast(role string) bool {
	return roleLevel(a.Role) >= roleLevel(role)
}

type ctxKey string

const ctxKeyActor ctxKey = "orchestrator.actor"

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

// ActorFromContext returns the actor stored in ctx, or ok=false.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKeyActor).(Actor)
	return a, ok
}

// Guard is the single point of truth for "can actor X perform operation Y".
type Guard struct{}

func NewGuard() *Guard { return &Guard{} }

// CanAuthorScenarios gates scenario creation and versioning. Admin only.
func (g *Guard) CanAuthorScenarios(a Actor) error {
	if !a.HasAtLeast(RoleAdmin) {
		return ErrForbidden
	}
	return nil
}

// CanDeploy gates deployment creation. Any authenticated actor with a known
// role may deploy.
func (g *Guard) CanDeploy(a Actor) error {
	if a.ID == "" || !a.HasAtLeast(RoleUser) {
		return ErrForbidden
	}
	return nil
}

// CanOperate gates step execution, rollback, completion, and cleanup on a
// specific deployment: the deployment's creator or an admin.
func (g *Guard) CanOperate(a Actor, deploymentCreator string) error {
	if a.HasAtLeast(RoleAdmin) {
		return nil
	}
	if a.ID != "" && a.ID == deploymentCreator {
		return nil
	}
	return ErrForbidden
}

// CanApprove gates POV-level approval transitions. Management and above.
func (g *Guard) CanApprove(a Actor) error {
	if !a.HasAtLeast(RoleManagement) {
		return ErrForbidden
	}
	return nil
}
