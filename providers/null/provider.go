// Package null implements a provider whose resources exist only in state.
// Every property is echoed back as an output.
package null

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"sort"

	"github.com/privacydam/deploy/internal/provider"
)

const ResourceType = "null:Resource"

type Provider struct{}

func New() *Provider {
	return &Provider{}
}

func (p *Provider) Plan(ctx context.Context, req *provider.PlanRequest) (*provider.PlanResponse, error) {
	var desired map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal desired config: %w", err)
	}

	if len(req.PriorConfigJSON) == 0 {
		return &provider.PlanResponse{Action: provider.CREATE}, nil
	}

	var prior map[string]any
	if err := json.Unmarshal(req.PriorConfigJSON, &prior); err != nil {
		return nil, fmt.Errorf("failed to unmarshal prior config: %w", err)
	}

	var changes []string
	for k, v := range desired {
		if fmt.Sprint(prior[k]) != fmt.Sprint(v) {
			changes = append(changes, k)
		}
	}
	if len(changes) == 0 {
		return &provider.PlanResponse{Action: provider.NOOP}, nil
	}
	sort.Strings(changes)

	action := provider.UPDATE
	for _, c := range changes {
		if c == "triggers" {
			action = provider.REPLACE
		}
	}
	return &provider.PlanResponse{Action: action, ChangedAttributes: changes}, nil
}

func (p *Provider) Apply(ctx context.Context, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	if req.DesiredConfigJSON == nil {
		return &provider.ApplyResponse{}, nil
	}

	var desired map[string]any
	if err := json.Unmarshal(req.DesiredConfigJSON, &desired); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	state := make(map[string]any, len(desired)+1)
	maps.Copy(state, desired)
	state["id"] = fmt.Sprintf("null-%s", req.Name)

	stateBytes, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return &provider.ApplyResponse{NewStateJSON: stateBytes}, nil
}
