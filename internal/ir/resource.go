package ir

// Resource represents a single managed resource.
type Resource struct {
	Type       string         `json:"type"` // e.g. "aws:EC2.SecurityGroup"
	Name       string         `json:"name"`
	Provider   string         `json:"provider"`
	Lifecycle  *Lifecycle     `json:"lifecycle,omitempty"`
	DependsOn  []string       `json:"dependsOn,omitempty"`
	Properties map[string]any `json:"properties"`
}

type Lifecycle struct {
	PreventDestroy bool     `json:"preventDestroy,omitempty"`
	IgnoreChanges  []string `json:"ignoreChanges,omitempty"`
}
