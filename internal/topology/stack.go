// Package topology assembles the privacyDAM deployment into a resource graph.
//
// Assembly runs a fixed sequence of steps. Each step declares resources on a
// Stack and hands later steps the values they need, either resolved strings
// or deferred references to outputs that exist only after apply.
package topology

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/privacydam/deploy/internal/engine"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

// Stack collects declared resources in declaration order.
type Stack struct {
	resources []*ir.Resource
	declared  map[string]bool
	outputs   map[string]string
}

func NewStack() *Stack {
	return &Stack{
		declared: make(map[string]bool),
		outputs:  make(map[string]string),
	}
}

// Add declares a resource of typ named name. props is any JSON-encodable
// value; string fields may hold encoded references. Every referenced or
// depended-on resource must already be declared.
func (s *Stack) Add(typ, name string, props any, dependsOn ...string) (*ir.Resource, error) {
	addr := address(typ, name)
	if s.declared[addr] {
		return nil, fmt.Errorf("duplicate resource %s", addr)
	}

	properties, err := toProperties(props)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", addr, err)
	}
	for _, ref := range engine.References(properties) {
		if !s.declared[ref.Address()] {
			return nil, fmt.Errorf("resource %s references undeclared resource %s", addr, ref.Address())
		}
	}
	for _, dep := range dependsOn {
		if !s.declared[dep] {
			return nil, fmt.Errorf("resource %s depends on undeclared resource %s", addr, dep)
		}
	}

	res := &ir.Resource{
		Type:       typ,
		Name:       name,
		Provider:   awsprov.Name,
		DependsOn:  dependsOn,
		Properties: properties,
	}
	s.resources = append(s.resources, res)
	s.declared[addr] = true
	return res, nil
}

// Output records a value to materialize after apply.
func (s *Stack) Output(key string, v token.Value) error {
	for _, ref := range v.Refs() {
		if !s.declared[ref.Address()] {
			return fmt.Errorf("output %s references undeclared resource %s", key, ref.Address())
		}
	}
	s.outputs[key] = v.Encode()
	return nil
}

// Len returns the number of declared resources.
func (s *Stack) Len() int {
	return len(s.resources)
}

// Config returns the declared graph.
func (s *Stack) Config() *ir.Config {
	return &ir.Config{
		Resources: append([]*ir.Resource(nil), s.resources...),
		Outputs:   maps.Clone(s.outputs),
	}
}

func address(typ, name string) string {
	return typ + "." + name
}

// attr is a deferred reference to an output of the resource typ.name.
func attr(typ, name, attribute string) token.Value {
	return token.Deferred(token.Ref{Type: typ, Name: name, Attr: attribute})
}

func toProperties(props any) (map[string]any, error) {
	b, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode properties: %w", err)
	}
	return out, nil
}
