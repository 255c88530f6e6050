// Package authz is the policy gate consulted before every mutation: commit
// accept/decline and settlement actions. Policies are CEL expressions over
// (actor, action, resource); a deny surfaces as FORBIDDEN and is never
// silently ignored.
package authz

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/swapcycle/clearing/pkg/contracts"
)

// Actor is the authenticated caller checked against policy.
type Actor struct {
	ID    string
	Roles []string
}

// Gate evaluates allow rules. Rules are keyed by action; an action with no
// rule falls through to the default rule. Compiled programs are cached.
type Gate struct {
	env         *cel.Env
	mu          sync.RWMutex
	programs    map[string]cel.Program
	rules       map[string]string
	defaultRule string
}

// DefaultRules are the shipped action policies: participants may only decide
// for their own intents, settlement actions require a participant or an
// operator, and operator recovery requires the operator role.
func DefaultRules() map[string]string {
	return map[string]string{
		"proposal.accept":    `actor.id == resource.actor_id`,
		"proposal.decline":   `actor.id == resource.actor_id`,
		"intent.cancel":      `actor.id == resource.actor_id`,
		"settlement.deposit": `actor.id == resource.actor_id || "operator" in actor.roles`,
		"settlement.execute": `actor.id in resource.participant_ids || "operator" in actor.roles`,
		"settlement.recover": `"operator" in actor.roles`,
	}
}

// New compiles a gate from action rules. defaultRule guards unknown actions;
// passing "" fails closed.
func New(rules map[string]string, defaultRule string) (*Gate, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.DynType),
		cel.Variable("action", cel.StringType),
		cel.Variable("resource", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	g := &Gate{
		env:         env,
		programs:    make(map[string]cel.Program),
		rules:       rules,
		defaultRule: defaultRule,
	}
	// Compile eagerly so malformed policy fails at startup, not per request.
	for action, rule := range rules {
		if _, err := g.program(action, rule); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Authorize returns nil on allow, FORBIDDEN on deny, EXTERNAL_FAILURE when
// evaluation itself fails. Missing rules fall through to the default; an
// empty default denies.
func (g *Gate) Authorize(ctx context.Context, actor Actor, action string, resource map[string]any) error {
	rule, ok := g.rules[action]
	key := action
	if !ok {
		if g.defaultRule == "" {
			return contracts.Errf(contracts.CodeForbidden, "no policy allows action %s", action)
		}
		rule, key = g.defaultRule, "__default__"
	}
	prg, err := g.program(key, rule)
	if err != nil {
		return contracts.Wrap(contracts.CodeExternalFailure, err, "compile policy")
	}

	roles := make([]any, len(actor.Roles))
	for i, r := range actor.Roles {
		roles[i] = r
	}
	out, _, err := prg.ContextEval(ctx, map[string]any{
		"actor":    map[string]any{"id": actor.ID, "roles": roles},
		"action":   action,
		"resource": resource,
	})
	if err != nil {
		return contracts.Wrap(contracts.CodeExternalFailure, err, "evaluate policy")
	}
	allowed, ok := out.Value().(bool)
	if !ok || !allowed {
		return contracts.Errf(contracts.CodeForbidden, "policy denied %s for actor %s", action, actor.ID)
	}
	return nil
}

func (g *Gate) program(key, rule string) (cel.Program, error) {
	g.mu.RLock()
	prg, ok := g.programs[key]
	g.mu.RUnlock()
	if ok {
		return prg, nil
	}

	ast, issues := g.env.Compile(rule)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile policy for %s: %w", key, issues.Err())
	}
	prg, err := g.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build policy program for %s: %w", key, err)
	}

	g.mu.Lock()
	g.programs[key] = prg
	g.mu.Unlock()
	return prg, nil
}
