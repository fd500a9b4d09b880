// Package env accumulates the variables handed to the compute, function and
// container definitions of a deployment.
package env

import (
	"fmt"
	"sort"

	"github.com/privacydam/deploy/internal/token"
)

// Well-known keys written during assembly.
const (
	KeyQueue  = "SQS"
	KeyBucket = "S3"
	KeyDSN    = "DSN"
	KeyOPA    = "OPA"
)

const (
	mysqlPort = 3306
	opaPort   = 4001
	opaPath   = "/authentication/user"
)

// Builder is an ordered key/value accumulation. Setting an existing key
// replaces its value but keeps its original position. Builders are values:
// Set returns the extended builder and leaves the receiver untouched, so a
// step can only observe what earlier steps handed to it.
type Builder struct {
	keys   []string
	values map[string]token.Value
}

// NewBuilder returns an empty builder.
func NewBuilder() Builder {
	return Builder{}
}

// Set returns a builder with key bound to v.
func (b Builder) Set(key string, v token.Value) Builder {
	next := b.clone()
	if _, ok := next.values[key]; !ok {
		next.keys = append(next.keys, key)
	}
	next.values[key] = v
	return next
}

// SetString is Set for a resolved value.
func (b Builder) SetString(key, value string) Builder {
	return b.Set(key, token.Resolved(value))
}

// Merge sets every entry of m, in sorted key order so the result does not
// depend on map iteration.
func (b Builder) Merge(m map[string]string) Builder {
	for _, k := range sortedKeys(m) {
		b = b.SetString(k, m[k])
	}
	return b
}

// Get returns the value bound to key.
func (b Builder) Get(key string) (token.Value, bool) {
	v, ok := b.values[key]
	return v, ok
}

// Len returns the number of keys.
func (b Builder) Len() int {
	return len(b.keys)
}

// Freeze returns an immutable snapshot for a provisioner.
func (b Builder) Freeze() Environment {
	c := b.clone()
	return Environment{keys: c.keys, values: c.values}
}

func (b Builder) clone() Builder {
	next := Builder{
		keys:   make([]string, len(b.keys), len(b.keys)+1),
		values: make(map[string]token.Value, len(b.values)+1),
	}
	copy(next.keys, b.keys)
	for k, v := range b.values {
		next.values[k] = v
	}
	return next
}

// Environment is a frozen Builder.
type Environment struct {
	keys   []string
	values map[string]token.Value
}

// Keys returns the keys in insertion order.
func (e Environment) Keys() []string {
	out := make([]string, len(e.keys))
	copy(out, e.keys)
	return out
}

// Get returns the value bound to key.
func (e Environment) Get(key string) (token.Value, bool) {
	v, ok := e.values[key]
	return v, ok
}

// Encoded renders the environment for resource properties. Deferred values
// are left as references for the engine to substitute at apply time.
func (e Environment) Encoded() map[string]any {
	out := make(map[string]any, len(e.keys))
	for _, k := range e.keys {
		out[k] = e.values[k].Encode()
	}
	return out
}

// Refs returns every deferred reference in the environment.
func (e Environment) Refs() []token.Ref {
	var refs []token.Ref
	for _, k := range e.keys {
		refs = append(refs, e.values[k].Refs()...)
	}
	return refs
}

// Materialize resolves every value.
func (e Environment) Materialize(r token.Resolver) (map[string]string, error) {
	out := make(map[string]string, len(e.keys))
	for _, k := range e.keys {
		s, err := e.values[k].Materialize(r)
		if err != nil {
			return nil, fmt.Errorf("materialize %s: %w", k, err)
		}
		out[k] = s
	}
	return out, nil
}

// DSN renders a MySQL connection string for host.
func DSN(host token.Value, user, password, database string) token.Value {
	return token.Join(
		token.Resolved(fmt.Sprintf("%s:%s@tcp(", user, password)),
		host,
		token.Resolved(fmt.Sprintf(":%d)/%s", mysqlPort, database)),
	)
}

// OPAEndpoint returns configured when set, otherwise the authorization
// endpoint served on host.
func OPAEndpoint(configured string, host token.Value) token.Value {
	if configured != "" {
		return token.Resolved(configured)
	}
	return token.Join(
		token.Resolved("http://"),
		host,
		token.Resolved(fmt.Sprintf(":%d%s", opaPort, opaPath)),
	)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
