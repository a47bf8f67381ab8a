package shared

import "context"

// Actor identifies the authenticated caller of a core operation. Identity and
// capabilities are established by the fronting identity collaborator; the core
// trusts them as given.
type Actor struct {
	ID           int64
	Name         string
	Capabilities []string
}

// Has reports whether the actor holds the given capability.
func (a Actor) Has(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Well-known capabilities.
const (
	CapabilityAdmin    = "admin"
	CapabilityApprover = "pass.approve"
	CapabilitySecurity = "gate.operate"
)

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context. The zero Actor is returned
// when no identity was attached.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
