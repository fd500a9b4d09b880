package ir

// Config is an assembled deployment: the resources to manage and the
// outputs to record once they exist. Output values may hold encoded
// references that are materialized after apply.
type Config struct {
	Resources []*Resource       `json:"resources"`
	Outputs   map[string]string `json:"outputs,omitempty"`
}
