// Package token models values that may not be known until apply time.
//
// A Value is either fully resolved or contains one or more deferred
// references to another resource's outputs. Deferred parts are rendered
// into resource properties as ptr:// references and substituted by an
// explicit Materialize pass once the referenced resource exists.
package token

import (
	"fmt"
	"strings"
)

const (
	refScheme   = "ptr://"
	embedOpen   = "${"
	embedClose  = "}"
	embedPrefix = embedOpen + refScheme
)

// Ref points at an output attribute of a declared resource.
type Ref struct {
	Type string // e.g. aws:EC2.Instance
	Name string
	Attr string
}

// String returns the ptr:// form: ptr://<type>/<name>/<attr>.
func (r Ref) String() string {
	return refScheme + r.Type + "/" + r.Name + "/" + r.Attr
}

// Address returns the engine address of the referenced resource.
func (r Ref) Address() string {
	return r.Type + "." + r.Name
}

// ParseRef parses a ptr://<type>/<name>/<attr> string.
func ParseRef(s string) (Ref, error) {
	if !strings.HasPrefix(s, refScheme) {
		return Ref{}, fmt.Errorf("not a reference: %q", s)
	}
	parts := strings.SplitN(s[len(refScheme):], "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("malformed reference %q: want ptr://<type>/<name>/<attr>", s)
	}
	return Ref{Type: parts[0], Name: parts[1], Attr: parts[2]}, nil
}

type part struct {
	lit string
	ref *Ref
}

// Value is a string that may contain deferred parts.
// The zero Value is the resolved empty string.
type Value struct {
	parts []part
}

// Resolved wraps a known string.
func Resolved(s string) Value {
	if s == "" {
		return Value{}
	}
	return Value{parts: []part{{lit: s}}}
}

// Deferred wraps a reference whose value is known only after apply.
func Deferred(r Ref) Value {
	return Value{parts: []part{{ref: &r}}}
}

// Join concatenates values, merging adjacent literals.
func Join(values ...Value) Value {
	var out Value
	for _, v := range values {
		for _, p := range v.parts {
			out.parts = appendPart(out.parts, p)
		}
	}
	return out
}

func appendPart(parts []part, p part) []part {
	if p.ref == nil {
		if p.lit == "" {
			return parts
		}
		if n := len(parts); n > 0 && parts[n-1].ref == nil {
			parts[n-1].lit += p.lit
			return parts
		}
	}
	return append(parts, p)
}

// IsResolved reports whether v contains no deferred parts.
func (v Value) IsResolved() bool {
	for _, p := range v.parts {
		if p.ref != nil {
			return false
		}
	}
	return true
}

// Literal returns the string for a resolved value.
func (v Value) Literal() (string, bool) {
	if !v.IsResolved() {
		return "", false
	}
	var sb strings.Builder
	for _, p := range v.parts {
		sb.WriteString(p.lit)
	}
	return sb.String(), true
}

// Refs lists the deferred references in v in order of appearance.
func (v Value) Refs() []Ref {
	var refs []Ref
	for _, p := range v.parts {
		if p.ref != nil {
			refs = append(refs, *p.ref)
		}
	}
	return refs
}

// Ref returns the reference when v is exactly one reference.
func (v Value) Ref() (Ref, bool) {
	if len(v.parts) == 1 && v.parts[0].ref != nil {
		return *v.parts[0].ref, true
	}
	return Ref{}, false
}

// Encode renders v for use as a resource property. A value that is a single
// reference encodes as the bare ptr:// string; references embedded in text
// encode as ${ptr://...}.
func (v Value) Encode() string {
	if len(v.parts) == 1 && v.parts[0].ref != nil {
		return v.parts[0].ref.String()
	}
	var sb strings.Builder
	for _, p := range v.parts {
		if p.ref != nil {
			sb.WriteString(embedOpen)
			sb.WriteString(p.ref.String())
			sb.WriteString(embedClose)
			continue
		}
		sb.WriteString(p.lit)
	}
	return sb.String()
}

// String implements fmt.Stringer using the encoded form.
func (v Value) String() string {
	return v.Encode()
}

// Parse is the inverse of Encode.
func Parse(s string) (Value, error) {
	if strings.HasPrefix(s, refScheme) {
		r, err := ParseRef(s)
		if err != nil {
			return Value{}, err
		}
		return Deferred(r), nil
	}

	var out Value
	rest := s
	for {
		i := strings.Index(rest, embedPrefix)
		if i < 0 {
			out.parts = appendPart(out.parts, part{lit: rest})
			return out, nil
		}
		out.parts = appendPart(out.parts, part{lit: rest[:i]})
		rest = rest[i+len(embedOpen):]
		j := strings.Index(rest, embedClose)
		if j < 0 {
			return Value{}, fmt.Errorf("unterminated reference in %q", s)
		}
		r, err := ParseRef(rest[:j])
		if err != nil {
			return Value{}, err
		}
		out.parts = appendPart(out.parts, part{ref: &r})
		rest = rest[j+len(embedClose):]
	}
}

// Resolver looks up the concrete value of a reference.
type Resolver interface {
	Resolve(ref Ref) (string, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(ref Ref) (string, error)

func (f ResolverFunc) Resolve(ref Ref) (string, error) {
	return f(ref)
}

// Materialize substitutes every deferred part of v using r.
func (v Value) Materialize(r Resolver) (string, error) {
	var sb strings.Builder
	for _, p := range v.parts {
		if p.ref == nil {
			sb.WriteString(p.lit)
			continue
		}
		if r == nil {
			return "", fmt.Errorf("unresolved reference %s", p.ref)
		}
		s, err := r.Resolve(*p.ref)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", p.ref, err)
		}
		sb.WriteString(s)
	}
	return sb.String(), nil
}

// ContainsRef reports whether s holds any encoded reference.
func ContainsRef(s string) bool {
	return strings.HasPrefix(s, refScheme) || strings.Contains(s, embedPrefix)
}
