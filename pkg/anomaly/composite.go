/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: composite.go
Description: Composite anomaly. Chains several configured anomalies, sequentially or in a
shuffled order, up to a chain length. Each link receives the previous link's output.
*/

package anomaly

import (
	"fmt"
	"sync"

	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/registry"
)

// CompositeParams configures composite
type CompositeParams struct {
	Anomalies   []map[string]any `mapstructure:"anomalies"`
	ChainLength int              `mapstructure:"chain_length"` // 0 = all
	RandomOrder bool             `mapstructure:"random_order"`
}

// Composite applies a chain of anomalies
type Composite struct {
	Base
	chain       []Anomaly
	chainLength int
	randomOrder bool

	mu sync.Mutex
}

var compositeMeta = registry.Metadata{
	Name:        "composite",
	Description: "Chain several anomalies, sequentially or in random order",
	Category:    CategoryGeneric,
	AppliesTo:   []string{"all"},
}

// NewComposite builds a composite anomaly; its links are created from opts.Registry
func NewComposite(opts Options) (Anomaly, error) {
	a := &Composite{}
	a.Init(compositeMeta, opts)
	var params CompositeParams
	if err := DecodeParams(a.Name(), opts.Params, &params); err != nil {
		return nil, err
	}
	if len(params.Anomalies) == 0 {
		return nil, &ParamError{Anomaly: a.Name(), Param: "anomalies", Value: "[]"}
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("%w: composite requires a registry", ErrInvalidParam)
	}

	for i, entry := range params.Anomalies {
		cfg, err := ParseConfig(entry)
		if err != nil {
			return nil, fmt.Errorf("composite link %d: %w", i, err)
		}
		child, err := opts.Registry.Create(cfg.Type, Options{
			Params:   entry,
			Rand:     a.rng,
			Logger:   opts.Logger,
			Registry: opts.Registry,
		})
		if err != nil {
			return nil, fmt.Errorf("composite link %d: %w", i, err)
		}
		a.chain = append(a.chain, child)
	}

	a.chainLength = params.ChainLength
	if a.chainLength <= 0 || a.chainLength > len(a.chain) {
		a.chainLength = len(a.chain)
	}
	a.randomOrder = params.RandomOrder
	return a, nil
}

// Links returns the chained anomalies in configured order
func (a *Composite) Links() []Anomaly {
	return append([]Anomaly(nil), a.chain...)
}

// Apply runs the chain over p
func (a *Composite) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()

	a.mu.Lock()
	order := make([]int, len(a.chain))
	for i := range order {
		order[i] = i
	}
	if a.randomOrder {
		a.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	a.mu.Unlock()

	cur := p
	for _, idx := range order[:a.chainLength] {
		next, err := a.chain[idx].Apply(cur)
		if err != nil {
			return nil, fmt.Errorf("composite link %s: %w", a.chain[idx].Name(), err)
		}
		cur = next
	}
	if cur == p {
		return p.Clone(), nil
	}
	return cur, nil
}
