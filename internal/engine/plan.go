package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
	"github.com/privacydam/deploy/internal/token"
)

// unknownValue stands in for a reference whose value changes during the apply.
const unknownValue = "(known after apply)"

// Engine orchestrates the lifecycle of resources.
type Engine struct {
	registry        *provider.Registry
	Parallelism     int  // concurrent resource operations; defaultParallelism when zero
	ContinueOnError bool // If true, apply continues past failures instead of stopping
	Retry           *RetryPolicy
	Timeouts        map[string]time.Duration // per resource type; DefaultTimeout otherwise
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{
		registry: registry,
	}
}

// CreatePlan generates an execution plan by comparing desired config with current state.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	return e.CreatePlanWithTargets(ctx, cfg, state, nil)
}

// CreatePlanWithTargets generates a plan filtered to specific resource addresses.
// If targets is nil or empty, all resources are planned.
func (e *Engine) CreatePlanWithTargets(ctx context.Context, cfg *ir.Config, state *ir.State, targets []string) (*ir.Plan, error) {
	logging.Debug("creating plan", "resources", len(cfg.Resources), "state_resources", len(state.Resources), "targets", len(targets))
	plan := newPlan(state)
	plan.Outputs = cfg.Outputs

	for _, res := range cfg.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	dag, err := BuildDAG(cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build dependency graph: %w", err)
	}

	stateMap := make(map[string]*ir.ResourceState)
	for _, res := range state.Resources {
		stateMap[stateAddr(res)] = res
	}

	configByAddr := make(map[string]*ir.Resource)
	for _, res := range cfg.Resources {
		configByAddr[resourceAddr(res)] = res
	}

	// A target pulls in everything it depends on.
	var targetSet map[string]bool
	if len(targets) > 0 {
		targetSet = make(map[string]bool)
		for _, t := range targets {
			if _, ok := configByAddr[t]; !ok {
				if _, inState := stateMap[t]; !inState {
					return nil, fmt.Errorf("target %s is not a known resource", t)
				}
			}
			targetSet[t] = true
			for _, dep := range dag.TransitiveDeps(t) {
				targetSet[dep] = true
			}
		}
	}

	// Addresses that get a new identity in this plan, and the attributes
	// changing in place elsewhere. References to either are stale.
	recreated := make(map[string]bool)
	changedAttrs := make(map[string]map[string]bool)
	stale := func(ref token.Ref) bool {
		return recreated[ref.Address()] || changedAttrs[ref.Address()][ref.Attr]
	}

	for _, addr := range dag.CreationOrder() {
		res := configByAddr[addr]

		if targetSet != nil && !targetSet[addr] {
			plan.Summary.NoOp++
			continue
		}

		prov, err := e.registry.Get(res.Provider)
		if err != nil {
			return nil, err
		}

		prior, hasPrior := stateMap[addr]

		props, _ := normalizeValue(res.Properties).(map[string]any)
		if hasPrior {
			if marked, ok := markUnknown(props, stale); ok {
				logging.Debug("upstream change reaches resource", "address", addr)
				props = marked.(map[string]any)
			}
		}

		desiredJSON, err := json.Marshal(props)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}
		var priorJSON []byte
		if hasPrior {
			if priorJSON, err = json.Marshal(prior.Inputs); err != nil {
				return nil, fmt.Errorf("failed to marshal prior state for %s: %w", addr, err)
			}
		}

		resp, err := prov.Plan(ctx, &provider.PlanRequest{
			Type:              res.Type,
			Name:              res.Name,
			DesiredConfigJSON: desiredJSON,
			PriorConfigJSON:   priorJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("plan failed for %s: %w", addr, err)
		}

		action := resp.Action
		if action != provider.NOOP {
			if err := enforceLifecycle(res, action, addr); err != nil {
				return nil, err
			}
			if action == provider.UPDATE {
				action = filterIgnoredChanges(res, resp, prior)
			}
		}
		if action == provider.NOOP {
			plan.Summary.NoOp++
			continue
		}
		switch action {
		case provider.CREATE, provider.REPLACE:
			recreated[addr] = true
		case provider.UPDATE:
			attrs := make(map[string]bool, len(resp.ChangedAttributes))
			for _, a := range resp.ChangedAttributes {
				attrs[a] = true
			}
			changedAttrs[addr] = attrs
		}

		change := &ir.ResourceChange{
			Address: addr,
			Action:  action.String(),
			Desired: res,
		}
		if hasPrior {
			change.Prior = priorResource(prior)
			change.Diff = buildPropertyDiff(prior.Inputs, props)
		} else {
			change.Diff = buildCreateDiff(res.Properties)
		}
		plan.Changes = append(plan.Changes, change)
		countAction(plan.Summary, action)
	}

	// Resources in state but not in config are deleted, dependents first.
	orphans := make([]*ir.ResourceState, 0)
	for _, res := range state.Resources {
		if _, ok := configByAddr[stateAddr(res)]; !ok {
			orphans = append(orphans, res)
		}
	}
	deletes, err := deleteChanges(orphans, targetSet)
	if err != nil {
		return nil, err
	}
	plan.Changes = append(plan.Changes, deletes...)
	plan.Summary.Delete += len(deletes)

	return plan, nil
}

// CreateDestroyPlan plans the deletion of every resource in state.
func (e *Engine) CreateDestroyPlan(ctx context.Context, state *ir.State) (*ir.Plan, error) {
	for _, res := range state.Resources {
		if err := e.registry.LoadProvider(res.Provider); err != nil {
			return nil, fmt.Errorf("failed to load provider %s: %w", res.Provider, err)
		}
	}

	plan := newPlan(state)
	deletes, err := deleteChanges(state.Resources, nil)
	if err != nil {
		return nil, err
	}
	plan.Changes = deletes
	plan.Summary.Delete = len(deletes)
	return plan, nil
}

func countAction(s *ir.PlanSummary, action provider.Action) {
	switch action {
	case provider.CREATE:
		s.Create++
	case provider.UPDATE:
		s.Update++
	case provider.REPLACE:
		s.Replace++
	case provider.DELETE:
		s.Delete++
	}
}

func newPlan(state *ir.State) *ir.Plan {
	return &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Serial:    state.Serial,
		},
		Changes: []*ir.ResourceChange{},
		Summary: &ir.PlanSummary{},
	}
}

func deleteChanges(resources []*ir.ResourceState, targetSet map[string]bool) ([]*ir.ResourceChange, error) {
	dag, err := BuildDAGFromState(resources)
	if err != nil {
		return nil, fmt.Errorf("failed to build destruction graph: %w", err)
	}
	byAddr := make(map[string]*ir.ResourceState, len(resources))
	for _, res := range resources {
		byAddr[stateAddr(res)] = res
	}

	var changes []*ir.ResourceChange
	for _, addr := range dag.DestructionOrder() {
		res := byAddr[addr]
		if targetSet != nil && !targetSet[addr] {
			continue
		}
		if res.Lifecycle != nil && res.Lifecycle.PreventDestroy {
			return nil, fmt.Errorf("resource %s has prevent_destroy set but plan requires destruction", addr)
		}
		changes = append(changes, &ir.ResourceChange{
			Address: addr,
			Action:  provider.DELETE.String(),
			Prior:   priorResource(res),
			Diff:    buildDeleteDiff(res.Inputs),
		})
	}
	return changes, nil
}

func priorResource(res *ir.ResourceState) *ir.Resource {
	return &ir.Resource{
		Type:       res.Type,
		Name:       res.Name,
		Provider:   res.Provider,
		Lifecycle:  res.Lifecycle,
		DependsOn:  res.Dependencies,
		Properties: res.Inputs,
	}
}

// enforceLifecycle checks lifecycle rules and returns an error if violated.
func enforceLifecycle(res *ir.Resource, action provider.Action, addr string) error {
	if res.Lifecycle == nil {
		return nil
	}
	if res.Lifecycle.PreventDestroy && (action == provider.DELETE || action == provider.REPLACE) {
		return fmt.Errorf("resource %s has prevent_destroy set but plan requires destruction", addr)
	}
	return nil
}

// filterIgnoredChanges downgrades an update to NOOP when every changed
// attribute is listed in IgnoreChanges.
func filterIgnoredChanges(res *ir.Resource, resp *provider.PlanResponse, prior *ir.ResourceState) provider.Action {
	if prior == nil || res.Lifecycle == nil || len(res.Lifecycle.IgnoreChanges) == 0 || len(resp.ChangedAttributes) == 0 {
		return resp.Action
	}

	ignoreSet := make(map[string]bool)
	for _, attr := range res.Lifecycle.IgnoreChanges {
		ignoreSet[attr] = true
	}
	for _, attr := range resp.ChangedAttributes {
		if !ignoreSet[attr] {
			return resp.Action
		}
	}
	return provider.NOOP
}

// markUnknown replaces every string holding a stale reference with
// unknownValue and reports whether it replaced anything.
func markUnknown(v any, stale func(token.Ref) bool) (any, bool) {
	switch val := v.(type) {
	case string:
		if !token.ContainsRef(val) {
			return val, false
		}
		parsed, err := token.Parse(val)
		if err != nil {
			return val, false
		}
		for _, ref := range parsed.Refs() {
			if stale(ref) {
				return unknownValue, true
			}
		}
		return val, false
	case map[string]any:
		out := make(map[string]any, len(val))
		marked := false
		for k, item := range val {
			nv, m := markUnknown(item, stale)
			out[k] = nv
			marked = marked || m
		}
		return out, marked
	case []any:
		out := make([]any, len(val))
		marked := false
		for i, item := range val {
			nv, m := markUnknown(item, stale)
			out[i] = nv
			marked = marked || m
		}
		return out, marked
	default:
		return v, false
	}
}

// buildPropertyDiff compares prior and desired properties and returns a diff map.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	for k, desiredVal := range desired {
		priorVal, inPrior := prior[k]
		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !sameValue(priorVal, desiredVal):
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}
	for k, priorVal := range prior {
		if _, ok := desired[k]; !ok {
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		}
	}
	return diff
}

// sameValue compares through JSON so that values read back from state
// ([]any, float64) match freshly assembled ones ([]string, int32).
func sameValue(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(ja) == string(jb)
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[fmt.Sprintf("%v", k)] = normalizeValue(v)
		}
		return newMap
	case map[string]any:
		newMap := make(map[string]any)
		for k, v := range val {
			newMap[k] = normalizeValue(v)
		}
		return newMap
	case map[string]string:
		newMap := make(map[string]any, len(val))
		for k, v := range val {
			newMap[k] = v
		}
		return newMap
	case []any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	case []string:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = v
		}
		return newSlice
	case []map[string]any:
		newSlice := make([]any, len(val))
		for i, v := range val {
			newSlice[i] = normalizeValue(v)
		}
		return newSlice
	default:
		return val
	}
}
