// Package provider defines the contract between the engine and resource
// providers, and the registry that hands providers to the engine.
package provider

import "context"

// Action is the change a provider proposes for one resource.
type Action int

const (
	NOOP Action = iota
	CREATE
	UPDATE
	REPLACE
	DELETE
)

func (a Action) String() string {
	switch a {
	case CREATE:
		return "CREATE"
	case UPDATE:
		return "UPDATE"
	case REPLACE:
		return "REPLACE"
	case DELETE:
		return "DELETE"
	default:
		return "NOOP"
	}
}

// PlanRequest carries the desired properties and the properties recorded
// at the last apply. Both may hold unresolved references.
type PlanRequest struct {
	Type              string
	Name              string
	DesiredConfigJSON []byte
	PriorConfigJSON   []byte
}

type PlanResponse struct {
	Action            Action
	ChangedAttributes []string
}

// ApplyRequest asks a provider to converge one resource. A nil
// DesiredConfigJSON means the resource is deleted.
type ApplyRequest struct {
	Type              string
	Name              string
	DesiredConfigJSON []byte
	PriorStateJSON    []byte
}

type ApplyResponse struct {
	NewStateJSON []byte
}

// Provider manages resources of the types it knows.
type Provider interface {
	Plan(ctx context.Context, req *PlanRequest) (*PlanResponse, error)
	Apply(ctx context.Context, req *ApplyRequest) (*ApplyResponse, error)
}
