// Package manifest reads the YAML description of a model's variable states
// and builds them.
//
//	states:
//	  - name: past_key.0
//	    variant: kvcache
//	    precision: f32
//	    dims: ["?", 2, 4, 8]
//	    internal:
//	      precision: u8
//	      order: [0, 1, 2, 3]
//	    group_size: 8
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/kvstate/internal/state"
	"github.com/samcharles93/kvstate/internal/tensor"
)

const (
	VariantKVCache      = "kvcache"
	VariantDoubleBuffer = "double"
	VariantSingleBuffer = "single"
)

// Manifest lists the states of one model instance.
type Manifest struct {
	States []Entry `yaml:"states"`
}

// Entry describes one state.
type Entry struct {
	Name      string   `yaml:"name"`
	Variant   string   `yaml:"variant"`
	Precision string   `yaml:"precision"`
	Dims      []Dim    `yaml:"dims"`
	Order     []int    `yaml:"order,omitempty"`
	Internal  Internal `yaml:"internal"`

	QuantByChannel bool `yaml:"quant_by_channel,omitempty"`
	GroupSize      int  `yaml:"group_size,omitempty"`
}

// Internal describes storage. Empty fields inherit from the external side.
type Internal struct {
	Precision string `yaml:"precision,omitempty"`
	Dims      []Dim  `yaml:"dims,omitempty"`
	Order     []int  `yaml:"order,omitempty"`
}

// Dim is a dimension extent; "?" and -1 both mean undefined.
type Dim int

func (d *Dim) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: dimension must be a scalar", node.Line)
	}
	v := strings.TrimSpace(node.Value)
	if v == "?" {
		*d = Dim(tensor.Undefined)
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < tensor.Undefined {
		return fmt.Errorf("line %d: invalid dimension %q", node.Line, node.Value)
	}
	*d = Dim(n)
	return nil
}

func (d Dim) MarshalYAML() (any, error) {
	if d == tensor.Undefined {
		return "?", nil
	}
	return int(d), nil
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("manifest: empty document")
		}
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Marshal encodes m back to YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Validate checks every entry without building states.
func (m *Manifest) Validate() error {
	if len(m.States) == 0 {
		return errors.New("manifest: no states defined")
	}
	seen := make(map[string]bool, len(m.States))
	for i := range m.States {
		e := &m.States[i]
		if e.Name == "" {
			return fmt.Errorf("manifest: state %d: missing name", i)
		}
		if seen[e.Name] {
			return fmt.Errorf("manifest: state %q: duplicate name", e.Name)
		}
		seen[e.Name] = true
		if _, err := e.ExternalDesc(); err != nil {
			return fmt.Errorf("manifest: state %q: %w", e.Name, err)
		}
		if _, err := e.InternalDesc(); err != nil {
			return fmt.Errorf("manifest: state %q: internal: %w", e.Name, err)
		}
		if _, err := normalizeVariant(e.Variant); err != nil {
			return fmt.Errorf("manifest: state %q: %w", e.Name, err)
		}
		if e.GroupSize < 0 {
			return fmt.Errorf("manifest: state %q: negative group_size", e.Name)
		}
	}
	return nil
}

// ExternalDesc is the caller-facing descriptor of e.
func (e *Entry) ExternalDesc() (tensor.Desc, error) {
	return buildDesc(e.Precision, e.Dims, e.Order)
}

// InternalDesc is the storage descriptor of e. Precision and dims default to
// the external ones; the order does not.
func (e *Entry) InternalDesc() (tensor.Desc, error) {
	precision := e.Internal.Precision
	if precision == "" {
		precision = e.Precision
	}
	dims := e.Internal.Dims
	if dims == nil {
		dims = e.Dims
	}
	return buildDesc(precision, dims, e.Internal.Order)
}

// Build constructs the states in manifest order.
func (m *Manifest) Build(opts ...state.Option) ([]state.State, error) {
	out := make([]state.State, 0, len(m.States))
	for i := range m.States {
		s, err := m.States[i].Build(opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Build constructs the state e describes.
func (e *Entry) Build(opts ...state.Option) (state.State, error) {
	external, err := e.ExternalDesc()
	if err != nil {
		return nil, fmt.Errorf("manifest: state %q: %w", e.Name, err)
	}
	internal, err := e.InternalDesc()
	if err != nil {
		return nil, fmt.Errorf("manifest: state %q: internal: %w", e.Name, err)
	}
	variant, err := normalizeVariant(e.Variant)
	if err != nil {
		return nil, fmt.Errorf("manifest: state %q: %w", e.Name, err)
	}

	var s state.State
	switch variant {
	case VariantKVCache:
		s, err = state.NewKVCache(e.Name, external, internal, e.QuantByChannel, e.GroupSize, opts...)
	case VariantDoubleBuffer:
		s, err = state.NewDoubleBuffer(e.Name, external, internal, opts...)
	case VariantSingleBuffer:
		s, err = state.NewSingleBuffer(e.Name, external, internal, opts...)
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	return s, nil
}

func normalizeVariant(v string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "kvcache", "kv_cache", "kv":
		return VariantKVCache, nil
	case "double", "double_buffer":
		return VariantDoubleBuffer, nil
	case "single", "single_buffer":
		return VariantSingleBuffer, nil
	case "":
		return "", errors.New("missing variant")
	default:
		return "", fmt.Errorf("unknown variant %q", v)
	}
}

func buildDesc(precision string, dims []Dim, order []int) (tensor.Desc, error) {
	dt, err := tensor.ParseDType(precision)
	if err != nil {
		return tensor.Desc{}, err
	}
	if len(dims) == 0 {
		return tensor.Desc{}, errors.New("missing dims")
	}
	d := tensor.Desc{DType: dt, Dims: make([]int, len(dims)), Order: order}
	for i, v := range dims {
		d.Dims[i] = int(v)
	}
	if err := d.Validate(); err != nil {
		return tensor.Desc{}, err
	}
	return d, nil
}
