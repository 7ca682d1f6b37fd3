/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: truncation.go
Description: Truncation anomaly. Cuts the serialized frame to a fixed length, half its
length, a random length, or just below the minimum header size of the innermost protocol.
The result is always between 1 and one byte short of the original.
*/

package anomaly

import (
	"github.com/kleascm/packetstorm/pkg/packet"
)

// TruncateMode selects the truncation length rule
type TruncateMode uint8

const (
	TruncateRandom TruncateMode = iota
	TruncateFixed
	TruncateHalf
	TruncateProtocolMin
)

var truncateModes = []string{"random", "fixed", "half", "protocol_min"}

func (m TruncateMode) String() string { return truncateModes[m] }

// MinHeaderSizes is the minimum header length of each layer
var MinHeaderSizes = map[string]int{
	"Ethernet": 14,
	"IPv4":     20,
	"IPv6":     40,
	"TCP":      20,
	"UDP":      8,
	"iSCSI":    packet.BHSLength,
}

// TruncationParams configures truncation
type TruncationParams struct {
	Mode       string `mapstructure:"mode"`
	TruncateTo int    `mapstructure:"truncate_to"`
	MinLength  int    `mapstructure:"min_length"`
	MaxLength  int    `mapstructure:"max_length"` // 0 = original length - 1
}

// Truncation shortens packets
type Truncation struct {
	Base
	params TruncationParams
	mode   TruncateMode
}

var truncationMeta = generic("truncation", "Truncate packets to invalid/short lengths")

// NewTruncation builds a truncation anomaly
func NewTruncation(opts Options) (Anomaly, error) {
	a := &Truncation{params: TruncationParams{MinLength: 1}}
	a.Init(truncationMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), a.params.Mode, truncateModes, TruncateRandom)
	if err != nil {
		return nil, err
	}
	a.mode = mode
	if a.params.MinLength < 1 {
		a.params.MinLength = 1
	}
	return a, nil
}

// Apply returns the truncated frame
func (a *Truncation) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	raw, err := p.Serialize()
	if err != nil {
		return nil, err
	}
	n := len(raw)
	if n <= 1 {
		return p.Clone(), nil
	}

	var target int
	switch a.mode {
	case TruncateFixed:
		target = a.params.TruncateTo
	case TruncateHalf:
		target = n / 2
	case TruncateProtocolMin:
		target = a.belowProtocolMin(p)
	default:
		hi := a.params.MaxLength
		if hi <= 0 {
			hi = n - 1
		}
		target = a.Between(a.params.MinLength, hi)
	}
	if target > n-1 {
		target = n - 1
	}
	if target < 1 {
		target = 1
	}

	a.log.Debugf("Truncated packet: %d -> %d bytes (mode=%s)", n, target, a.mode)
	return reparse(raw[:target]), nil
}

// belowProtocolMin is 1-5 bytes short of where the innermost known header would end
func (a *Truncation) belowProtocolMin(p *packet.Packet) int {
	last := MinHeaderSizes["Ethernet"]
	for i, l := range p.Layers() {
		if size, ok := MinHeaderSizes[l.Name()]; ok {
			last = p.Offset(i) + size
		}
	}
	return last - a.Between(1, 5)
}
