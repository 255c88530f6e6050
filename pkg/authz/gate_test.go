package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swapcycle/clearing/pkg/contracts"
)

func TestAuthorizeOwnIntent(t *testing.T) {
	g, err := New(DefaultRules(), "")
	require.NoError(t, err)
	ctx := context.Background()

	err = g.Authorize(ctx, Actor{ID: "actor-1"}, "proposal.accept",
		map[string]any{"actor_id": "actor-1"})
	assert.NoError(t, err)

	err = g.Authorize(ctx, Actor{ID: "actor-2"}, "proposal.accept",
		map[string]any{"actor_id": "actor-1"})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))
}

func TestAuthorizeOperatorRole(t *testing.T) {
	g, err := New(DefaultRules(), "")
	require.NoError(t, err)
	ctx := context.Background()

	err = g.Authorize(ctx, Actor{ID: "ops-1", Roles: []string{"operator"}},
		"settlement.recover", map[string]any{})
	assert.NoError(t, err)

	err = g.Authorize(ctx, Actor{ID: "actor-1"}, "settlement.recover", map[string]any{})
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))
}

func TestAuthorizeUnknownActionFailsClosed(t *testing.T) {
	g, err := New(DefaultRules(), "")
	require.NoError(t, err)

	err = g.Authorize(context.Background(), Actor{ID: "actor-1"}, "something.else", nil)
	assert.Equal(t, contracts.CodeForbidden, contracts.CodeOf(err))
}

func TestAuthorizeDefaultRule(t *testing.T) {
	g, err := New(map[string]string{}, `"admin" in actor.roles`)
	require.NoError(t, err)
	ctx := context.Background()

	assert.NoError(t, g.Authorize(ctx, Actor{ID: "a", Roles: []string{"admin"}}, "anything", map[string]any{}))
	assert.Error(t, g.Authorize(ctx, Actor{ID: "a"}, "anything", map[string]any{}))
}

func TestMalformedPolicyFailsAtConstruction(t *testing.T) {
	_, err := New(map[string]string{"x": "this is not CEL ((("}, "")
	assert.Error(t, err)
}
