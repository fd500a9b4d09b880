package ir

// Plan represents a calculated execution plan.
type Plan struct {
	Metadata *PlanMetadata     `json:"metadata"`
	Changes  []*ResourceChange `json:"changes"`
	Summary  *PlanSummary      `json:"summary"`
	Outputs  map[string]string `json:"outputs,omitempty"`
}

type PlanMetadata struct {
	Timestamp string `json:"timestamp"`
	Serial    int    `json:"serial"`
}

type ResourceChange struct {
	Address string                   `json:"address"`
	Action  string                   `json:"action"` // CREATE, UPDATE, REPLACE, DELETE
	Desired *Resource                `json:"resource,omitempty"`
	Prior   *Resource                `json:"prior,omitempty"`
	Diff    map[string]*PropertyDiff `json:"diff,omitempty"`
}

type PropertyDiff struct {
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
	Action string `json:"action"` // create, update, delete
}

type PlanSummary struct {
	Create  int `json:"create"`
	Update  int `json:"update"`
	Delete  int `json:"delete"`
	Replace int `json:"replace"`
	NoOp    int `json:"noop"`
}

// Total is the number of resources the plan touches.
func (s *PlanSummary) Total() int {
	return s.Create + s.Update + s.Delete + s.Replace
}
