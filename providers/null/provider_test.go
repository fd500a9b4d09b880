package null

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/privacydam/deploy/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestProvider_Plan(t *testing.T) {
	p := New()
	ctx := context.Background()

	desired := mustJSON(t, map[string]any{"triggers": map[string]string{"foo": "bar"}, "size": "small"})

	resp, err := p.Plan(ctx, &provider.PlanRequest{Type: ResourceType, Name: "test", DesiredConfigJSON: desired})
	require.NoError(t, err)
	assert.Equal(t, provider.CREATE, resp.Action)

	applied, err := p.Apply(ctx, &provider.ApplyRequest{Type: ResourceType, Name: "test", DesiredConfigJSON: desired})
	require.NoError(t, err)

	resp, err = p.Plan(ctx, &provider.PlanRequest{Type: ResourceType, Name: "test", DesiredConfigJSON: desired, PriorConfigJSON: applied.NewStateJSON})
	require.NoError(t, err)
	assert.Equal(t, provider.NOOP, resp.Action)

	resized := mustJSON(t, map[string]any{"triggers": map[string]string{"foo": "bar"}, "size": "large"})
	resp, err = p.Plan(ctx, &provider.PlanRequest{Type: ResourceType, Name: "test", DesiredConfigJSON: resized, PriorConfigJSON: applied.NewStateJSON})
	require.NoError(t, err)
	assert.Equal(t, provider.UPDATE, resp.Action)
	assert.Equal(t, []string{"size"}, resp.ChangedAttributes)

	retriggered := mustJSON(t, map[string]any{"triggers": map[string]string{"foo": "baz"}, "size": "small"})
	resp, err = p.Plan(ctx, &provider.PlanRequest{Type: ResourceType, Name: "test", DesiredConfigJSON: retriggered, PriorConfigJSON: applied.NewStateJSON})
	require.NoError(t, err)
	assert.Equal(t, provider.REPLACE, resp.Action)
	assert.Contains(t, resp.ChangedAttributes, "triggers")
}

func TestProvider_Apply(t *testing.T) {
	p := New()

	resp, err := p.Apply(context.Background(), &provider.ApplyRequest{
		Name:              "test",
		DesiredConfigJSON: mustJSON(t, map[string]any{"privateIp": "10.0.0.5"}),
	})
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(resp.NewStateJSON, &state))
	assert.Equal(t, "null-test", state["id"])
	assert.Equal(t, "10.0.0.5", state["privateIp"])

	resp, err = p.Apply(context.Background(), &provider.ApplyRequest{Name: "test"})
	require.NoError(t, err)
	assert.Empty(t, resp.NewStateJSON)
}
