/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fuzzer.go
Description: Stateful multi-strategy protocol fuzzer. Byte-level mutation operators, a
deterministic boundary-value walk over every integer field, structural damage, and
template-driven generation. The walk order is fixed: layers outer to inner, fields in
declared order, integer fields only, one field per call indexed by the call counter.
*/

package anomaly

import (
	"sync"

	fuzz "github.com/google/gofuzz"
	"github.com/kleascm/packetstorm/pkg/packet"
)

// FuzzStrategy selects the fuzzing strategy
type FuzzStrategy uint8

const (
	FuzzCombined FuzzStrategy = iota
	FuzzMutation
	FuzzFieldWalk
	FuzzStructure
	FuzzGeneration
)

var fuzzStrategies = []string{"combined", "mutation", "field_walk", "structure", "generation"}

func (s FuzzStrategy) String() string { return fuzzStrategies[s] }

// Interesting values per field width
var (
	InterestingInts8  = []uint64{0, 1, 0x7F, 0x80, 0xFE, 0xFF}
	InterestingInts16 = []uint64{0, 1, 0x7F, 0x80, 0xFF, 0x100, 0x7FFF, 0x8000, 0xFFFE, 0xFFFF}
	InterestingInts32 = []uint64{
		0, 1, 0x7F, 0x80, 0xFF, 0x100, 0x7FFF, 0x8000, 0xFFFF, 0x10000,
		0x7FFFFFFF, 0x80000000, 0xFFFFFFFE, 0xFFFFFFFF,
	}
	InterestingInts64 = append(append([]uint64(nil), InterestingInts32...),
		0x100000000, 0x7FFFFFFFFFFFFFFF, 0x8000000000000000, 0xFFFFFFFFFFFFFFFE, 0xFFFFFFFFFFFFFFFF)
)

var boundaryBytes = []byte{0x00, 0x01, 0x7F, 0x80, 0xFE, 0xFF}

// InterestingValues returns the boundary table for a field of the given width
func InterestingValues(bits int) []uint64 {
	switch {
	case bits <= 0 || bits > 32:
		if bits > 32 {
			return InterestingInts64
		}
		return InterestingInts32
	case bits < 8:
		return narrowValues(bits)
	case bits == 8:
		return InterestingInts8
	case bits <= 16:
		return InterestingInts16
	default:
		return InterestingInts32
	}
}

// narrowValues is 0, 1, the sign boundary and the top of a sub-byte field
func narrowValues(bits int) []uint64 {
	top := uint64(1)<<uint(bits) - 1
	half := uint64(1) << uint(bits-1)
	var out []uint64
	seen := map[uint64]bool{}
	for _, v := range []uint64{0, 1, half - 1, half, top - 1, top} {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// FuzzerParams configures fuzzer
type FuzzerParams struct {
	Strategy     string  `mapstructure:"strategy"`
	MutationRate float64 `mapstructure:"mutation_rate"`
	MaxMutations int     `mapstructure:"max_mutations"`
}

// Fuzzer is the multi-strategy protocol fuzzer
type Fuzzer struct {
	Base
	params   FuzzerParams
	strategy FuzzStrategy

	mu        sync.Mutex
	iteration uint64
	gen       *fuzz.Fuzzer
}

var fuzzerMeta = generic("fuzzer", "Protocol-aware fuzzer with mutation, field-walk, and structure strategies")

// NewFuzzer builds a fuzzer anomaly
func NewFuzzer(opts Options) (Anomaly, error) {
	a := &Fuzzer{params: FuzzerParams{MutationRate: 0.05, MaxMutations: 20}}
	a.Init(fuzzerMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	strategy, err := ParseMode(a.Name(), a.params.Strategy, fuzzStrategies, FuzzCombined)
	if err != nil {
		return nil, err
	}
	if a.params.MutationRate < 0 || a.params.MutationRate > 1 {
		return nil, &ParamError{Anomaly: a.Name(), Param: "mutation_rate", Value: a.params.MutationRate}
	}
	if a.params.MaxMutations < 1 {
		a.params.MaxMutations = 1
	}
	a.strategy = strategy
	a.gen = fuzz.New().NilChance(0).RandSource(a.rng)
	return a, nil
}

// Iteration is the number of Apply calls made so far
func (a *Fuzzer) Iteration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iteration
}

// Apply runs one fuzzing step
func (a *Fuzzer) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	a.mu.Lock()
	defer a.mu.Unlock()

	call := a.iteration
	a.iteration++

	strategy := a.strategy
	if strategy == FuzzCombined {
		strategy = FuzzStrategy(1 + a.rng.Intn(3))
	}

	switch strategy {
	case FuzzFieldWalk:
		return a.fieldWalk(p, call), nil
	case FuzzStructure:
		return a.structure(p)
	case FuzzGeneration:
		return a.generate(p), nil
	default:
		return a.mutate(p)
	}
}

func (a *Fuzzer) mutate(p *packet.Packet) (*packet.Packet, error) {
	raw, err := p.Serialize()
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return p.Clone(), nil
	}

	n := int(float64(len(raw)) * a.params.MutationRate)
	n = max(1, min(a.params.MaxMutations, n))

	for i := 0; i < n; i++ {
		if len(raw) == 0 {
			break
		}
		pos := a.rng.Intn(len(raw))
		switch a.rng.Intn(7) {
		case 0: // flip
			raw[pos] ^= 1 << uint(a.rng.Intn(8))
		case 1: // replace
			raw[pos] = byte(a.rng.Intn(256))
		case 2: // insert
			if len(raw) < 65535 {
				raw = append(raw[:pos], append([]byte{byte(a.rng.Intn(256))}, raw[pos:]...)...)
			}
		case 3: // delete, keeping at least an Ethernet header
			if len(raw) > 14 {
				raw = append(raw[:pos], raw[pos+1:]...)
			}
		case 4: // swap
			if pos < len(raw)-1 {
				raw[pos], raw[pos+1] = raw[pos+1], raw[pos]
			}
		case 5: // repeat
			count := a.Between(2, 8)
			rep := make([]byte, count)
			for j := range rep {
				rep[j] = raw[pos]
			}
			raw = append(raw[:pos], append(rep, raw[pos+1:]...)...)
		default: // boundary
			raw[pos] = boundaryBytes[a.rng.Intn(len(boundaryBytes))]
		}
	}

	a.log.Debugf("Mutated %d positions, %d byte result", n, len(raw))
	return reparse(raw), nil
}

type walkTarget struct {
	layer int
	field packet.FieldSpec
}

// WalkOrder lists the integer fields of p in field-walk order
func WalkOrder(p *packet.Packet) []packet.FieldSpec {
	targets := walkTargets(p)
	out := make([]packet.FieldSpec, len(targets))
	for i, t := range targets {
		out[i] = t.field
	}
	return out
}

func walkTargets(p *packet.Packet) []walkTarget {
	var out []walkTarget
	for i, l := range p.Layers() {
		for _, f := range packet.IntFields(l) {
			out = append(out, walkTarget{layer: i, field: f})
		}
	}
	return out
}

func (a *Fuzzer) fieldWalk(p *packet.Packet, call uint64) *packet.Packet {
	out := p.Clone()
	targets := walkTargets(out)
	if len(targets) == 0 {
		return out
	}

	t := targets[call%uint64(len(targets))]
	values := InterestingValues(t.field.Bits)
	v := values[(call/uint64(len(targets)))%uint64(len(values))]

	l := out.Layer(t.layer)
	_ = packet.SetInt(l, t.field.Name, v)
	a.log.Debugf("Field walk: %s.%s = %d", l.Name(), t.field.Name, v)
	return out
}

func (a *Fuzzer) structure(p *packet.Packet) (*packet.Packet, error) {
	switch a.rng.Intn(4) {
	case 0: // duplicate payload
		raw, err := p.Serialize()
		if err != nil {
			return nil, err
		}
		split := min(54, len(raw)/2)
		return reparse(append(raw, raw[split:]...)), nil
	case 1: // truncate to a random length, keeping the Ethernet header
		raw, err := p.Serialize()
		if err != nil {
			return nil, err
		}
		keep := len(raw)
		if len(raw) > 14 {
			keep = a.Between(14, len(raw))
		}
		return reparse(raw[:keep]), nil
	case 2: // inject random data after the last layer
		out := p.Clone()
		out.Append(&packet.Raw{Load: a.RandomBytes(a.Between(1, 64))})
		return out, nil
	default: // duplicate and corrupt
		raw, err := p.Serialize()
		if err != nil {
			return nil, err
		}
		dup := append([]byte(nil), raw...)
		for i := a.Between(1, 10); i > 0 && len(dup) > 0; i-- {
			dup[a.rng.Intn(len(dup))] = byte(a.rng.Intn(256))
		}
		return reparse(append(raw, dup...)), nil
	}
}

// generate randomizes about half of all fields in place, keeping the layer structure of p
func (a *Fuzzer) generate(p *packet.Packet) *packet.Packet {
	out := p.Clone()
	for _, l := range out.Layers() {
		for _, f := range packet.Fields(l) {
			if a.rng.Float64() >= 0.5 {
				continue
			}
			if f.Kind == packet.KindInt {
				var v uint64
				a.gen.Fuzz(&v)
				_ = packet.SetInt(l, f.Name, v)
				continue
			}
			cur, _ := packet.GetBytes(l, f.Name)
			if len(cur) == 0 {
				continue
			}
			var b []byte
			a.gen.NumElements(len(cur), len(cur)).Fuzz(&b)
			_ = packet.SetBytes(l, f.Name, b)
		}
	}
	return out
}
