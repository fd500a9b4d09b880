package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/logging"
	"github.com/privacydam/deploy/internal/provider"
	"github.com/privacydam/deploy/internal/token"
)

const defaultParallelism = 10

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "skipped"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyPlan executes a plan and updates the state.
func (e *Engine) ApplyPlan(ctx context.Context, plan *ir.Plan, state *ir.State) (*ir.State, error) {
	return e.ApplyPlanWithCallback(ctx, plan, state, nil)
}

// ApplyPlanWithCallback executes a plan with progress event callbacks.
// Independent changes run in parallel; a change waits for the changes it
// references and deletes wait for their dependents. If e.ContinueOnError
// is true, apply continues past individual failures and returns an
// aggregated error at the end.
func (e *Engine) ApplyPlanWithCallback(ctx context.Context, plan *ir.Plan, state *ir.State, callback ApplyCallback) (*ir.State, error) {
	emit := func(event ApplyEvent) {
		if callback != nil {
			callback(event)
		}
	}

	ws := newWorkingState(state)
	var errs []error

	if err := e.applyParallel(ctx, plan.Changes, ws, emit); err != nil {
		errs = append(errs, err)
	}

	// Partial progress is still recorded so the caller can persist it.
	if len(errs) == 0 {
		outputs, err := materializeOutputs(plan.Outputs, ws)
		if err != nil {
			errs = append(errs, err)
		}
		state.Outputs = outputs
	}
	ws.finish()
	state.Serial++

	if len(errs) > 0 {
		return state, errors.Join(errs...)
	}
	return state, nil
}

// workingState guards the state while changes run concurrently.
type workingState struct {
	mu    sync.Mutex
	state *ir.State
	index map[string]int
}

func newWorkingState(state *ir.State) *workingState {
	ws := &workingState{state: state}
	ws.reindex()
	return ws
}

func (ws *workingState) reindex() {
	ws.index = make(map[string]int, len(ws.state.Resources))
	for i, res := range ws.state.Resources {
		ws.index[stateAddr(res)] = i
	}
}

func (ws *workingState) get(addr string) *ir.ResourceState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if idx, ok := ws.index[addr]; ok {
		return ws.state.Resources[idx]
	}
	return nil
}

func (ws *workingState) put(addr string, res *ir.ResourceState) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if idx, ok := ws.index[addr]; ok {
		ws.state.Resources[idx] = res
		return
	}
	ws.index[addr] = len(ws.state.Resources)
	ws.state.Resources = append(ws.state.Resources, res)
}

func (ws *workingState) remove(addr string) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	idx, ok := ws.index[addr]
	if !ok {
		return
	}
	ws.state.Resources = append(ws.state.Resources[:idx], ws.state.Resources[idx+1:]...)
	ws.reindex()
}

// finish sorts state resources so files diff cleanly between runs.
func (ws *workingState) finish() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	sort.SliceStable(ws.state.Resources, func(i, j int) bool {
		return stateAddr(ws.state.Resources[i]) < stateAddr(ws.state.Resources[j])
	})
	ws.reindex()
}

// Resolve implements token.Resolver against recorded outputs.
func (ws *workingState) Resolve(ref token.Ref) (string, error) {
	v, err := ws.lookup(ref)
	if err != nil {
		return "", err
	}
	return stringify(v)
}

func (ws *workingState) lookup(ref token.Ref) (any, error) {
	res := ws.get(ref.Address())
	if res == nil {
		return nil, fmt.Errorf("resource %s has not been created", ref.Address())
	}
	if v, ok := res.Outputs[ref.Attr]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("resource %s has no attribute %q", ref.Address(), ref.Attr)
}

func stringify(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case nil:
		return "", nil
	case float64, bool, int, int32, int64:
		return fmt.Sprint(val), nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// changeDeps maps each change to the changes that must finish first.
func changeDeps(changes []*ir.ResourceChange) map[string]map[string]bool {
	inPlan := make(map[string]*ir.ResourceChange, len(changes))
	for _, c := range changes {
		inPlan[c.Address] = c
	}

	deps := make(map[string]map[string]bool, len(changes))
	for _, c := range changes {
		deps[c.Address] = make(map[string]bool)
	}

	for _, c := range changes {
		if c.Action == provider.DELETE.String() {
			// A delete waits for the deletes of everything that depends on it.
			if c.Prior == nil {
				continue
			}
			for _, d := range c.Prior.DependsOn {
				if dc, ok := inPlan[d]; ok && dc.Action == provider.DELETE.String() {
					deps[d][c.Address] = true
				}
			}
			continue
		}
		for _, d := range desiredDeps(c.Desired) {
			if _, ok := inPlan[d]; ok && d != c.Address {
				deps[c.Address][d] = true
			}
		}
	}
	return deps
}

func desiredDeps(res *ir.Resource) []string {
	if res == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	add := func(a string) {
		if !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, d := range res.DependsOn {
		add(d)
	}
	for _, ref := range extractPtrRefs(res.Properties) {
		add(ref.Address())
	}
	return out
}

// applyParallel applies changes concurrently, respecting dependencies.
func (e *Engine) applyParallel(ctx context.Context, changes []*ir.ResourceChange, ws *workingState, emit func(ApplyEvent)) error {
	deps := changeDeps(changes)

	parallelism := e.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	completed := make(map[string]bool)
	failed := make(map[string]bool)
	completedMu := sync.Mutex{}
	completedCond := sync.NewCond(&completedMu)
	var firstErr error
	var allErrs []error
	sem := make(chan struct{}, parallelism)

	var wg sync.WaitGroup

	for _, change := range changes {
		wg.Add(1)
		go func(c *ir.ResourceChange) {
			defer wg.Done()

			// Wait for dependencies to complete
			completedMu.Lock()
			for {
				if firstErr != nil && !e.ContinueOnError {
					completedMu.Unlock()
					return
				}
				allDepsReady := true
				depFailed := false
				for dep := range deps[c.Address] {
					if failed[dep] {
						depFailed = true
						break
					}
					if !completed[dep] {
						allDepsReady = false
						break
					}
				}
				if depFailed {
					failed[c.Address] = true
					completedMu.Unlock()
					completedCond.Broadcast()
					emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "skipped"})
					return
				}
				if allDepsReady {
					break
				}
				completedCond.Wait()
			}
			completedMu.Unlock()

			if err := ctx.Err(); err != nil {
				completedMu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("apply cancelled: %w", err)
				}
				failed[c.Address] = true
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "started"})

			if err := e.applyChange(ctx, c, ws); err != nil {
				emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "failed", Duration: time.Since(start), Error: err})
				completedMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				allErrs = append(allErrs, err)
				failed[c.Address] = true
				completedMu.Unlock()
				completedCond.Broadcast()
				return
			}

			emit(ApplyEvent{Address: c.Address, Action: c.Action, Status: "completed", Duration: time.Since(start)})

			completedMu.Lock()
			completed[c.Address] = true
			completedMu.Unlock()
			completedCond.Broadcast()
		}(change)
	}

	wg.Wait()

	if e.ContinueOnError && len(allErrs) > 0 {
		return fmt.Errorf("%d resource(s) failed: %w", len(allErrs), errors.Join(allErrs...))
	}
	return firstErr
}

func (e *Engine) applyChange(ctx context.Context, change *ir.ResourceChange, ws *workingState) error {
	addr := change.Address
	logging.Debug("applying change", "address", addr, "action", change.Action)

	res := change.Desired
	if res == nil {
		res = change.Prior
	}
	if res == nil {
		return fmt.Errorf("change %s has neither desired nor prior resource", addr)
	}

	ctx, cancel := context.WithTimeout(ctx, e.operationTimeout(res.Type))
	defer cancel()

	prov, err := e.registry.Get(res.Provider)
	if err != nil {
		return fmt.Errorf("provider not found: %s", res.Provider)
	}

	var priorJSON []byte
	if prior := ws.get(addr); prior != nil && prior.Outputs != nil {
		if priorJSON, err = json.Marshal(prior.Outputs); err != nil {
			return fmt.Errorf("failed to marshal prior state for %s: %w", addr, err)
		}
	}

	var desiredJSON []byte
	if change.Action != provider.DELETE.String() {
		if change.Desired == nil {
			return fmt.Errorf("change %s has no desired resource", addr)
		}
		resolved, err := resolveReferences(normalizeValue(change.Desired.Properties), ws)
		if err != nil {
			return fmt.Errorf("%s: %w", addr, err)
		}
		if desiredJSON, err = json.Marshal(resolved); err != nil {
			return fmt.Errorf("failed to marshal properties for %s: %w", addr, err)
		}
	}

	policy := DefaultRetryPolicy()
	if e.Retry != nil {
		copied := *e.Retry
		policy = &copied
	}
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.Warn("retrying", "address", addr, "attempt", attempt, "wait", wait, "error", err)
	}

	call := func(desired, prior []byte) (*provider.ApplyResponse, error) {
		var resp *provider.ApplyResponse
		err := policy.Do(ctx, func(ctx context.Context) error {
			var applyErr error
			resp, applyErr = prov.Apply(ctx, &provider.ApplyRequest{
				Type:              res.Type,
				Name:              res.Name,
				DesiredConfigJSON: desired,
				PriorStateJSON:    prior,
			})
			return applyErr
		})
		return resp, err
	}

	// A replacement removes the old resource before creating the new one.
	if change.Action == provider.REPLACE.String() && priorJSON != nil {
		if _, err := call(nil, priorJSON); err != nil {
			return fmt.Errorf("replace failed for %s: %w", addr, err)
		}
		ws.remove(addr)
		priorJSON = nil
	}

	resp, err := call(desiredJSON, priorJSON)
	if err != nil {
		if change.Action == provider.DELETE.String() {
			return fmt.Errorf("delete failed for %s: %w", addr, err)
		}
		return fmt.Errorf("apply failed for %s: %w", addr, err)
	}

	if change.Action == provider.DELETE.String() {
		ws.remove(addr)
		return nil
	}

	var outputs map[string]any
	if resp != nil && len(resp.NewStateJSON) > 0 {
		if err := json.Unmarshal(resp.NewStateJSON, &outputs); err != nil {
			return fmt.Errorf("failed to unmarshal state for %s: %w", addr, err)
		}
	}

	ws.put(addr, &ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		Lifecycle:    res.Lifecycle,
		Inputs:       res.Properties,
		Outputs:      outputs,
		Dependencies: desiredDeps(res),
	})
	return nil
}

// resolveReferences replaces every encoded reference in val with the
// recorded output it names. A value that is exactly one reference takes the
// output as is; references inside text are substituted as strings.
func resolveReferences(val any, ws *workingState) (any, error) {
	switch v := val.(type) {
	case string:
		if !token.ContainsRef(v) {
			return v, nil
		}
		parsed, err := token.Parse(v)
		if err != nil {
			return nil, err
		}
		if ref, ok := parsed.Ref(); ok {
			return ws.lookup(ref)
		}
		return parsed.Materialize(ws)
	case map[string]any:
		newMap := make(map[string]any, len(v))
		for k, item := range v {
			r, err := resolveReferences(item, ws)
			if err != nil {
				return nil, err
			}
			newMap[k] = r
		}
		return newMap, nil
	case []any:
		newSlice := make([]any, len(v))
		for i, item := range v {
			r, err := resolveReferences(item, ws)
			if err != nil {
				return nil, err
			}
			newSlice[i] = r
		}
		return newSlice, nil
	default:
		return v, nil
	}
}

func materializeOutputs(outputs map[string]string, ws *workingState) (map[string]string, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(outputs))
	var errs []error
	for name, encoded := range outputs {
		v, err := token.Parse(encoded)
		if err != nil {
			errs = append(errs, fmt.Errorf("output %s: %w", name, err))
			continue
		}
		s, err := v.Materialize(ws)
		if err != nil {
			errs = append(errs, fmt.Errorf("output %s: %w", name, err))
			continue
		}
		out[name] = s
	}
	return out, errors.Join(errs...)
}
