// Package param declares the named inputs of a task type and resolves a set of
// supplied values against them. Resolution infers how many tasks a single
// instantiation describes (the batch size) and decides, per parameter, whether
// each task receives its own element of the value or the whole value.
package param

import (
	"errors"
	"fmt"
)

// Kind classifies how a parameter value is interpreted.
type Kind int

const (
	// KindScalar values are indexed across a batch when their length matches it.
	KindScalar Kind = iota
	// KindTuple values are one atomic, ordered value.
	KindTuple
	// KindDict values are one atomic mapping.
	KindDict
)

// Structured reports whether values of this kind are always treated as one
// atomic value, never indexed across a batch.
func (k Kind) Structured() bool {
	return k == KindTuple || k == KindDict
}

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindTuple:
		return "tuple"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Parameter is the declaration of one named task input.
type Parameter struct {
	Name       string
	Kind       Kind
	Bundled    bool
	Default    any
	HasDefault bool
}

// Option configures a Parameter.
type Option func(*Parameter)

// WithDefault sets the value used when the parameter is not supplied.
func WithDefault(v any) Option {
	return func(p *Parameter) {
		p.Default = v
		p.HasDefault = true
	}
}

// Bundled marks the parameter as single-valued across a whole bundle.
func Bundled() Option {
	return func(p *Parameter) { p.Bundled = true }
}

// Tuple declares the parameter as a tuple-like structured value.
func Tuple() Option {
	return func(p *Parameter) { p.Kind = KindTuple }
}

// Dict declares the parameter as a dict-like structured value.
func Dict() Option {
	return func(p *Parameter) { p.Kind = KindDict }
}

// New declares a parameter.
func New(name string, opts ...Option) Parameter {
	p := Parameter{Name: name}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Schema is the ordered set of parameters of one task type. It is built once,
// when the task type is declared, and never changes afterwards.
type Schema struct {
	params []Parameter
	index  map[string]int
}

// NewSchema validates and orders the given declarations.
func NewSchema(params ...Parameter) (Schema, error) {
	s := Schema{
		params: make([]Parameter, 0, len(params)),
		index:  make(map[string]int, len(params)),
	}
	for _, p := range params {
		if p.Name == "" {
			return Schema{}, errors.New("parameter name is required")
		}
		if _, dup := s.index[p.Name]; dup {
			return Schema{}, fmt.Errorf("duplicate parameter %q", p.Name)
		}
		s.index[p.Name] = len(s.params)
		s.params = append(s.params, p)
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on an invalid declaration. It is
// meant for package-level task type declarations.
func MustSchema(params ...Parameter) Schema {
	s, err := NewSchema(params...)
	if err != nil {
		panic(fmt.Sprintf("param: %v", err))
	}
	return s
}

// Parameters returns the declarations in declaration order.
func (s Schema) Parameters() []Parameter {
	out := make([]Parameter, len(s.params))
	copy(out, s.params)
	return out
}

// Lookup returns the declaration with the given name.
func (s Schema) Lookup(name string) (Parameter, bool) {
	i, ok := s.index[name]
	if !ok {
		return Parameter{}, false
	}
	return s.params[i], true
}

// Len returns the number of declared parameters.
func (s Schema) Len() int {
	return len(s.params)
}
