// Package privacy evaluates per-request access rules for clinical data.
//
// Every service operation is described as an Operation (resource, action and
// the owner id recorded on the target rows) and run through a rule chain
// before any store call. Rules return one of three sentinel decisions:
//
//	if errors.Is(err, privacy.Allow) { ... }
//	if errors.Is(err, privacy.Deny) { ... }
//	if errors.Is(err, privacy.Skip) { ... }
//
// The chain is the application-side half of the isolation model; the
// database enforces the same ownership predicate through row-level-security
// policies bound to the transaction-local clinician id.
package privacy

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Allow terminates evaluation permitting the operation.
	Allow = errors.New("privacy: allow rule")

	// Deny terminates evaluation rejecting the operation.
	Deny = errors.New("privacy: deny rule")

	// Skip abstains and passes evaluation to the next rule in the chain.
	Skip = errors.New("privacy: skip rule")
)

// Denyf returns a formatted wrapped Deny decision.
func Denyf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Deny)...)
}

// Allowf returns a formatted wrapped Allow decision.
func Allowf(format string, a ...any) error {
	return fmt.Errorf(format+": %w", append(a, Allow)...)
}

// Resource identifies the kind of data an operation touches.
type Resource string

const (
	ResourcePatient    Resource = "patient"
	ResourceRecord     Resource = "record"
	ResourceAttachment Resource = "attachment"
)

// Action is the access mode an operation requires.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Operation describes a single data access for policy evaluation. OwnerID is
// the ownership column value of the rows being touched; empty for inserts
// that will stamp the viewer as owner.
type Operation struct {
	Resource Resource
	Action   Action
	OwnerID  string
}

// Viewer is the authenticated clinician a request acts as.
type Viewer struct {
	ClinicianID string
	Role        string
}

type viewerCtxKey struct{}

// WithViewer returns a context carrying the viewer.
func WithViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, viewerCtxKey{}, v)
}

// ViewerFromContext retrieves the viewer, reporting whether one is present.
func ViewerFromContext(ctx context.Context) (Viewer, bool) {
	v, ok := ctx.Value(viewerCtxKey{}).(Viewer)
	return v, ok
}

// Rule decides whether an operation is allowed.
type Rule interface {
	Eval(ctx context.Context, op Operation) error
}

// RuleFunc adapts an ordinary function to a Rule.
type RuleFunc func(ctx context.Context, op Operation) error

func (f RuleFunc) Eval(ctx context.Context, op Operation) error {
	return f(ctx, op)
}

// Policy is an ordered rule chain. Evaluation stops at the first Allow or
// Deny; a chain that only skips denies by default.
type Policy []Rule

// Eval runs the chain. The returned error is nil when the operation is
// allowed, and wraps Deny otherwise.
func (p Policy) Eval(ctx context.Context, op Operation) error {
	for _, rule := range p {
		err := rule.Eval(ctx, op)
		switch {
		case err == nil || errors.Is(err, Skip):
			continue
		case errors.Is(err, Allow):
			return nil
		default:
			return err
		}
	}
	return Denyf("privacy: no rule allowed %s %s", op.Action, op.Resource)
}
