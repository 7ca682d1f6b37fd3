/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: anomaly.go
Description: Anomaly contract and shared plumbing. An anomaly takes a baseline packet and
returns a mutated copy, never touching its input. Configuration maps are decoded once at
construction into typed parameters and mode enums; Apply only dispatches on those.
*/

package anomaly

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/sirupsen/logrus"
)

// Category of anomalies that work on any protocol
const CategoryGeneric = "generic"

var (
	ErrUnknownAnomaly = errors.New("unknown anomaly")
	ErrInvalidParam   = errors.New("invalid anomaly parameter")
)

// Anomaly is a mutation strategy applied to baseline packets
type Anomaly interface {
	Name() string
	Description() string
	Category() string
	AppliesTo() []string

	// Apply returns a mutated copy of p; p itself is left untouched
	Apply(p *packet.Packet) (*packet.Packet, error)

	// AppliedCount is the number of Apply calls so far
	AppliedCount() uint64
}

// Options is what an anomaly constructor receives
type Options struct {
	Params   map[string]any // The anomaly's configuration entry
	Rand     *rand.Rand     // Nil seeds from the "seed" parameter or the clock
	Logger   *logrus.Logger
	Registry *Registry // Needed by anomalies that build other anomalies
}

// Registry holds anomaly constructors
type Registry = registry.Registry[Options, Anomaly]

// NewRegistry creates an empty anomaly registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return registry.New[Options, Anomaly]("anomaly", logger)
}

// Config is one entry of the anomalies list
type Config struct {
	Type       string         `mapstructure:"type" json:"type"`
	Enabled    bool           `mapstructure:"enabled" json:"enabled"`
	Count      int            `mapstructure:"count" json:"count"`
	PacketType string         `mapstructure:"packet_type" json:"packet_type,omitempty"`
	Params     map[string]any `mapstructure:",remain" json:"params,omitempty"`
}

// ParseConfig decodes an anomalies entry. enabled defaults to true and count to 1.
func ParseConfig(m map[string]any) (Config, error) {
	cfg := Config{Enabled: true, Count: 1}
	if err := config.Decode(m, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidParam, err)
	}
	if cfg.Type == "" {
		return Config{}, fmt.Errorf("%w: anomaly entry without type", ErrInvalidParam)
	}
	if cfg.Count < 0 {
		return Config{}, fmt.Errorf("%w: %s: count must not be negative", ErrInvalidParam, cfg.Type)
	}
	return cfg, nil
}

// ParamError reports a parameter value outside its accepted set
type ParamError struct {
	Anomaly string
	Param   string
	Value   any
	Valid   []string
}

func (e *ParamError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("%s: invalid %s %v", e.Anomaly, e.Param, e.Value)
	}
	return fmt.Sprintf("%s: invalid %s %v (valid: %s)", e.Anomaly, e.Param, e.Value, strings.Join(e.Valid, ", "))
}

// Is matches ErrInvalidParam
func (e *ParamError) Is(target error) bool {
	return target == ErrInvalidParam
}

// Base carries metadata, randomness and the applied counter for every anomaly
type Base struct {
	meta    registry.Metadata
	rng     *rand.Rand
	log     *logrus.Entry
	applied atomic.Uint64
}

// Init sets metadata, random source and logger
func (b *Base) Init(meta registry.Metadata, opts Options) {
	b.meta = meta
	b.rng = opts.Rand
	if b.rng == nil {
		var seed struct {
			Seed *int64 `mapstructure:"seed"`
		}
		_ = config.Decode(opts.Params, &seed)
		if seed.Seed != nil {
			b.rng = rand.New(rand.NewSource(*seed.Seed))
		} else {
			b.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	b.log = logger.WithFields(logrus.Fields{
		"component": "anomaly",
		"anomaly":   meta.Name,
	})
}

func (b *Base) Name() string         { return b.meta.Name }
func (b *Base) Description() string  { return b.meta.Description }
func (b *Base) Category() string     { return b.meta.Category }
func (b *Base) AppliesTo() []string  { return append([]string(nil), b.meta.AppliesTo...) }
func (b *Base) AppliedCount() uint64 { return b.applied.Load() }

// Rand is the random source of the anomaly
func (b *Base) Rand() *rand.Rand { return b.rng }

// Log is the anomaly's logger entry
func (b *Base) Log() *logrus.Entry { return b.log }

// Tick counts one Apply call
func (b *Base) Tick() {
	b.applied.Add(1)
}

// Between returns a uniform integer in [lo, hi]
func (b *Base) Between(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + b.rng.Intn(hi-lo+1)
}

// RandomBytes returns n random bytes
func (b *Base) RandomBytes(n int) []byte {
	out := make([]byte, n)
	b.rng.Read(out)
	return out
}

// DecodeParams fills p from the configuration entry
func DecodeParams(name string, params map[string]any, p any) error {
	if err := config.Decode(params, p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParam, name, err)
	}
	return nil
}

// ParseMode resolves a mode name to its index in names; empty selects def
func ParseMode[M ~uint8](anomaly, value string, names []string, def M) (M, error) {
	if value == "" {
		return def, nil
	}
	for i, n := range names {
		if n == value {
			return M(i), nil
		}
	}
	return def, &ParamError{Anomaly: anomaly, Param: "mode", Value: value, Valid: names}
}

// reparse turns mutated frame bytes back into a packet, raw when they no longer parse
func reparse(data []byte) *packet.Packet {
	return packet.Parse(data)
}

func generic(name, description string) registry.Metadata {
	return registry.Metadata{
		Name:        name,
		Description: description,
		Category:    CategoryGeneric,
		AppliesTo:   []string{"all"},
	}
}

// Info describes an anomaly instance for listings and status output
type Info struct {
	registry.Metadata
	AppliedCount uint64 `json:"applied_count"`
}

// Describe returns the metadata and counter of a
func Describe(a Anomaly) Info {
	return Info{
		Metadata: registry.Metadata{
			Name:        a.Name(),
			Description: a.Description(),
			Category:    a.Category(),
			AppliesTo:   a.AppliesTo(),
		},
		AppliedCount: a.AppliedCount(),
	}
}
