package ir

// State represents the persistent state.
type State struct {
	Version   int               `json:"version"`
	Serial    int               `json:"serial"`
	Lineage   string            `json:"lineage"`
	Resources []*ResourceState  `json:"resources"`
	Outputs   map[string]string `json:"outputs,omitempty"`
}

type ResourceState struct {
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider"`
	Lifecycle    *Lifecycle     `json:"lifecycle,omitempty"`
	Inputs       map[string]any `json:"inputs"`  // desired properties, references unresolved
	Outputs      map[string]any `json:"outputs"` // provider returned
	Dependencies []string       `json:"dependencies,omitempty"`
}

// Find returns the state entry for type and name.
func (s *State) Find(typ, name string) *ResourceState {
	for _, r := range s.Resources {
		if r.Type == typ && r.Name == name {
			return r
		}
	}
	return nil
}
