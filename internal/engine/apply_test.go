package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/provider"
	"github.com/privacydam/deploy/providers/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createChange(res *ir.Resource) *ir.ResourceChange {
	return &ir.ResourceChange{Address: resourceAddr(res), Action: "CREATE", Desired: res}
}

func TestApplyPlan_Create(t *testing.T) {
	eng := NewEngine(newTestRegistry())
	reg := eng.registry
	require.NoError(t, reg.LoadProvider("null"))

	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{createChange(triggered("test1", map[string]string{"a": "b"}))},
		Summary: &ir.PlanSummary{Create: 1},
	}

	newState, err := eng.ApplyPlan(context.Background(), plan, &ir.State{Version: 1})
	require.NoError(t, err)
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, nullType, newState.Resources[0].Type)
	assert.Equal(t, "test1", newState.Resources[0].Name)
	assert.Equal(t, "null-test1", newState.Resources[0].Outputs["id"])
	assert.Equal(t, 1, newState.Serial)
}

func TestApplyPlan_Delete(t *testing.T) {
	eng := NewEngine(newTestRegistry())
	require.NoError(t, eng.registry.LoadProvider("null"))

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{Type: nullType, Name: "cluster", Provider: "null", Outputs: map[string]any{"id": "null-cluster"}},
			{Type: nullType, Name: "service", Provider: "null", Dependencies: []string{"null:Resource.cluster"}},
			{Type: nullType, Name: "kept", Provider: "null"},
		},
	}
	plan, err := deleteChanges(state.Resources[:2], nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	newState, err := eng.ApplyPlanWithCallback(context.Background(), &ir.Plan{Changes: plan}, state, func(ev ApplyEvent) {
		if ev.Status == "completed" {
			mu.Lock()
			order = append(order, ev.Address)
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, "kept", newState.Resources[0].Name)
	assert.Equal(t, []string{"null:Resource.service", "null:Resource.cluster"}, order)
}

func TestApplyPlan_Update_NoDuplicates(t *testing.T) {
	eng := NewEngine(newTestRegistry())
	require.NoError(t, eng.registry.LoadProvider("null"))

	state := &ir.State{
		Resources: []*ir.ResourceState{
			{Type: nullType, Name: "test1", Provider: "null", Outputs: map[string]any{"id": "null-test1"}},
		},
	}
	res := triggered("test1", map[string]string{"a": "c"})
	plan := &ir.Plan{Changes: []*ir.ResourceChange{{Address: resourceAddr(res), Action: "REPLACE", Desired: res}}}

	newState, err := eng.ApplyPlan(context.Background(), plan, state)
	require.NoError(t, err)
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, map[string]any{"a": "c"}, newState.Resources[0].Outputs["triggers"])
}

func TestApplyPlan_ResolvesReferencesInOrder(t *testing.T) {
	eng := NewEngine(newTestRegistry())
	require.NoError(t, eng.registry.LoadProvider("null"))

	server := &ir.Resource{
		Type: nullType, Name: "server", Provider: "null",
		Properties: map[string]any{"privateIp": "10.0.1.25"},
	}
	fn := &ir.Resource{
		Type: nullType, Name: "fn", Provider: "null",
		Properties: map[string]any{
			"environment": map[string]string{
				"DSN": "admin:pw@tcp(${ptr://null:Resource/server/privateIp}:3306)/privacyDAM",
			},
			"subnets": []string{"ptr://null:Resource/server/id"},
		},
	}
	plan := &ir.Plan{
		Changes: []*ir.ResourceChange{createChange(fn), createChange(server)},
		Outputs: map[string]string{"opa": "http://${ptr://null:Resource/server/privateIp}:4001/authentication/user"},
	}

	newState, err := eng.ApplyPlan(context.Background(), plan, &ir.State{})
	require.NoError(t, err)

	got := newState.Find(nullType, "fn")
	require.NotNil(t, got)
	assert.Equal(t, map[string]any{"DSN": "admin:pw@tcp(10.0.1.25:3306)/privacyDAM"}, got.Outputs["environment"])
	assert.Equal(t, []any{"null-server"}, got.Outputs["subnets"])
	assert.Equal(t, []string{"null:Resource.server"}, got.Dependencies)

	// Inputs keep the encoded references.
	assert.Contains(t, got.Inputs["environment"], "DSN")
	assert.Equal(t, "http://10.0.1.25:4001/authentication/user", newState.Outputs["opa"])

	// Sorted by address.
	assert.Equal(t, "fn", newState.Resources[0].Name)
}

func TestApplyPlan_ProgressCallback(t *testing.T) {
	eng := NewEngine(newTestRegistry())
	require.NoError(t, eng.registry.LoadProvider("null"))

	plan := &ir.Plan{Changes: []*ir.ResourceChange{createChange(triggered("test1", nil))}}

	var events []ApplyEvent
	_, err := eng.ApplyPlanWithCallback(context.Background(), plan, &ir.State{}, func(ev ApplyEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "started", events[0].Status)
	assert.Equal(t, "completed", events[1].Status)
	assert.Equal(t, "null:Resource.test1", events[0].Address)
}

// flakyProvider fails the named resources and counts calls.
type flakyProvider struct {
	null.Provider
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func (f *flakyProvider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	f.mu.Lock()
	f.calls[req.Name]++
	err := f.fail[req.Name]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Provider.Apply(ctx, req)
}

func flakyEngine(t *testing.T, fail map[string]error) (*Engine, *flakyProvider) {
	t.Helper()
	fp := &flakyProvider{fail: fail, calls: map[string]int{}}
	reg := provider.NewRegistry()
	reg.Register("null", func() provider.Provider { return fp })
	require.NoError(t, reg.LoadProvider("null"))
	eng := NewEngine(reg)
	eng.Retry = &RetryPolicy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond}
	return eng, fp
}

func TestApplyPlan_ContinueOnError(t *testing.T) {
	eng, _ := flakyEngine(t, map[string]error{"bad": errors.New("access denied")})
	eng.ContinueOnError = true

	dependent := &ir.Resource{Type: nullType, Name: "dependent", Provider: "null",
		Properties: map[string]any{"upstream": "ptr://null:Resource/bad/id"}}
	plan := &ir.Plan{Changes: []*ir.ResourceChange{
		createChange(triggered("good", nil)),
		createChange(triggered("bad", nil)),
		createChange(dependent),
	}}

	var mu sync.Mutex
	skipped := 0
	newState, err := eng.ApplyPlanWithCallback(context.Background(), plan, &ir.State{}, func(ev ApplyEvent) {
		if ev.Status == "skipped" {
			mu.Lock()
			skipped++
			mu.Unlock()
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 resource(s) failed")
	require.Len(t, newState.Resources, 1)
	assert.Equal(t, "good", newState.Resources[0].Name)
	assert.Equal(t, 1, skipped)
}

func TestApplyPlan_FailFastByDefault(t *testing.T) {
	eng, _ := flakyEngine(t, map[string]error{"bad": errors.New("access denied")})

	plan := &ir.Plan{Changes: []*ir.ResourceChange{createChange(triggered("bad", nil))}}

	newState, err := eng.ApplyPlan(context.Background(), plan, &ir.State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply failed for null:Resource.bad")
	assert.Equal(t, 1, newState.Serial)
}

func TestApplyPlan_RetriesTransientErrors(t *testing.T) {
	eng, fp := flakyEngine(t, map[string]error{"slow": &smithy.GenericAPIError{Code: "Throttling", Message: "Rate exceeded"}})

	plan := &ir.Plan{Changes: []*ir.ResourceChange{createChange(triggered("slow", nil))}}
	_, err := eng.ApplyPlan(context.Background(), plan, &ir.State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, 3, fp.calls["slow"])
}

func TestApplyPlan_ReplaceDeletesThenCreates(t *testing.T) {
	eng, fp := flakyEngine(t, nil)

	res := triggered("r", map[string]string{"v": "2"})
	state := &ir.State{Resources: []*ir.ResourceState{{
		Type: nullType, Name: "r", Provider: "null",
		Inputs:  map[string]any{"triggers": map[string]any{"v": "1"}},
		Outputs: map[string]any{"id": "null-r", "stale": true},
	}}}
	plan := &ir.Plan{Changes: []*ir.ResourceChange{{Address: resourceAddr(res), Action: "REPLACE", Desired: res}}}

	newState, err := eng.ApplyPlan(context.Background(), plan, state)
	require.NoError(t, err)
	assert.Equal(t, 2, fp.calls["r"])
	require.Len(t, newState.Resources, 1)
	assert.NotContains(t, newState.Resources[0].Outputs, "stale")
}

func TestApplyPlan_UnresolvedReference(t *testing.T) {
	eng := NewEngine(newTestRegistry())
	require.NoError(t, eng.registry.LoadProvider("null"))

	res := &ir.Resource{Type: nullType, Name: "orphan", Provider: "null",
		Properties: map[string]any{"host": "ptr://null:Resource/missing/privateIp"}}

	_, err := eng.ApplyPlan(context.Background(), &ir.Plan{Changes: []*ir.ResourceChange{createChange(res)}}, &ir.State{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "has not been created")
}

func TestResolveReferences(t *testing.T) {
	ws := newWorkingState(&ir.State{
		Resources: []*ir.ResourceState{
			{
				Type:     nullType,
				Name:     "test",
				Provider: "null",
				Outputs:  map[string]any{"id": "null-test", "port": float64(4000), "subnets": []any{"s-1", "s-2"}},
			},
		},
	})

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"bare reference", "ptr://null:Resource/test/id", "null-test"},
		{"non string output", "ptr://null:Resource/test/subnets", []any{"s-1", "s-2"}},
		{"embedded number", "port=${ptr://null:Resource/test/port}", "port=4000"},
		{"plain", "plain-string", "plain-string"},
		{"nested", map[string]any{"ref": "ptr://null:Resource/test/id", "n": 1}, map[string]any{"ref": "null-test", "n": 1}},
		{"list", []any{"ptr://null:Resource/test/id", "literal"}, []any{"null-test", "literal"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveReferences(tt.in, ws)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := resolveReferences("ptr://null:Resource/test/arn", ws)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no attribute "arn"`)
}
