// Package extsort implements the external merge-sort (C7): a sort-key
// compiler over built-in fields, plug-in fields, and sidecar entries; a
// chunked in-memory buffer stage with retry-on-exhaustion growth; and a
// temp-file k-way merge stage keyed by the compiled comparator.
package extsort

import (
	"fmt"
	"strings"

	"github.com/ep-silk/flowcore/pkg/fields"
	"github.com/ep-silk/flowcore/pkg/flowrec"
	"github.com/ep-silk/flowcore/pkg/silkerr"
	"github.com/ep-silk/flowcore/pkg/valuestore"
)

// PluginField describes one field contributed by a --plugin=SO provider:
// a fixed binary width filled by RecToBinary and compared by Compare.
type PluginField struct {
	Name        string
	Width       int
	RecToBinary func(*flowrec.FlowRec) []byte
	Compare     func(a, b []byte) int
}

// keyDescriptor is one compiled --fields=LIST entry.
type keyDescriptor struct {
	name    string
	compare func(a, b *flowrec.FlowRec) int
}

// Key is a compiled, ordered sort key ready to produce a CompareFunc.
type Key struct {
	descriptors []keyDescriptor
	reverse     bool
}

// Compiler resolves --fields=LIST entries against the built-in registry,
// caller-supplied plug-in fields, and the sidecar element union collected
// by the flow iterator before a sort begins.
type Compiler struct {
	builtins *fields.Registry
	plugins  map[string]PluginField
	sidecar  map[string]bool // names present in the iterator's unioned sidecar schema
}

// NewCompiler returns a Compiler seeded with the standard built-in field
// registry.
func NewCompiler() *Compiler {
	return &Compiler{
		builtins: fields.NewRegistry(),
		plugins:  make(map[string]PluginField),
	}
}

// AddPlugin registers a plug-in-provided field so it can be named in a
// --fields=LIST.
func (c *Compiler) AddPlugin(f PluginField) {
	c.plugins[strings.ToLower(f.Name)] = f
}

// SetSidecarNames records the sidecar element names discovered across
// the sort's inputs (the flow iterator's pre-first-record schema union),
// so --fields=LIST can reference them.
func (c *Compiler) SetSidecarNames(names []string) {
	c.sidecar = make(map[string]bool, len(names))
	for _, n := range names {
		c.sidecar[strings.ToLower(n)] = true
	}
}

// Compile parses a comma-separated field list into a Key. reverse
// negates the final sign of every comparison (the global --reverse
// flag), not each descriptor individually.
func (c *Compiler) Compile(list string, reverse bool) (*Key, error) {
	names := strings.Split(list, ",")
	if len(names) == 0 || list == "" {
		return nil, silkerr.New(silkerr.BadParam, "empty --fields list")
	}

	key := &Key{reverse: reverse}
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		d, err := c.resolveOne(name)
		if err != nil {
			return nil, err
		}
		key.descriptors = append(key.descriptors, d)
	}
	if len(key.descriptors) == 0 {
		return nil, silkerr.New(silkerr.BadParam, "empty --fields list")
	}
	return key, nil
}

func (c *Compiler) resolveOne(name string) (keyDescriptor, error) {
	if f, err := c.builtins.Resolve(name); err == nil {
		return keyDescriptor{name: f.Name, compare: f.Compare}, nil
	}
	if p, ok := c.plugins[strings.ToLower(name)]; ok {
		return keyDescriptor{name: p.Name, compare: pluginCompare(p)}, nil
	}
	if c.sidecar[strings.ToLower(name)] {
		return keyDescriptor{name: name, compare: sidecarCompare(name)}, nil
	}
	return keyDescriptor{}, silkerr.New(silkerr.BadParam, fmt.Sprintf("unknown field %q", name))
}

func pluginCompare(p PluginField) func(a, b *flowrec.FlowRec) int {
	return func(a, b *flowrec.FlowRec) int {
		return p.Compare(pluginBytes(a, p), pluginBytes(b, p))
	}
}

// pluginBytes returns a plug-in field's binary form: the Binary sidecar
// entry stored under the plug-in's field name if the record has one,
// otherwise a fresh RecToBinary result (which is not stored back).
func pluginBytes(r *flowrec.FlowRec, p PluginField) []byte {
	side, ok := r.Sidecar()
	if ok {
		if v, ok := side.Get(p.Name); ok && v.Kind == valuestore.Binary {
			return v.B
		}
	}
	return p.RecToBinary(r)
}

// sidecarCompare implements §4.7's sidecar comparison rule: absence
// sorts smaller than presence; if neither record has the entry, the
// descriptor contributes no ordering; if both have it, compare by
// declared kind, falling back to comparing the kind tags themselves
// when the two records' entries disagree on kind.
func sidecarCompare(name string) func(a, b *flowrec.FlowRec) int {
	return func(a, b *flowrec.FlowRec) int {
		av, aok := sidecarLookup(a, name)
		bv, bok := sidecarLookup(b, name)
		switch {
		case !aok && !bok:
			return 0
		case !aok:
			return -1
		case !bok:
			return 1
		}
		if av.Kind != bv.Kind {
			return cmpKind(av.Kind, bv.Kind)
		}
		return compareValue(av, bv)
	}
}

func sidecarLookup(r *flowrec.FlowRec, name string) (valuestore.Value, bool) {
	side, ok := r.Sidecar()
	if !ok {
		return valuestore.Value{}, false
	}
	return side.Get(name)
}

func cmpKind(a, b valuestore.Kind) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// compareValue orders two same-kind Values with their kind's natural
// ordering. List and Table kinds have no natural total order; two values
// of either kind always compare as equal.
func compareValue(a, b valuestore.Value) int {
	switch a.Kind {
	case valuestore.Uint8, valuestore.Uint16, valuestore.Uint32, valuestore.Uint64, valuestore.Boolean:
		return cmpUint64(a.U, b.U)
	case valuestore.Double:
		switch {
		case a.F < b.F:
			return -1
		case a.F > b.F:
			return 1
		default:
			return 0
		}
	case valuestore.Datetime:
		return cmpInt64(a.Time, b.Time)
	case valuestore.String:
		return strings.Compare(a.S, b.S)
	case valuestore.Binary:
		return compareBytes(a.B, b.B)
	case valuestore.AddrIP4, valuestore.AddrIP6:
		return a.Addr.Compare(b.Addr)
	default:
		// List and Table carry no natural total order; treat them as tied.
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Compare applies the compiled descriptors in order, returning the first
// non-equal comparison, negated as a whole if the key is reversed.
func (k *Key) Compare(a, b *flowrec.FlowRec) int {
	for _, d := range k.descriptors {
		if c := d.compare(a, b); c != 0 {
			if k.reverse {
				return -c
			}
			return c
		}
	}
	return 0
}
