/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: padding.go
Description: Padding anomaly. Appends bytes past the end of the protocol data: random,
zeros, a repeated pattern, or overflow probes (long 'A' runs, a NOP sled ending in INT3,
a cyclic byte sequence, all ones).
*/

package anomaly

import (
	"bytes"

	"github.com/kleascm/packetstorm/pkg/packet"
)

// PadMode selects the padding content
type PadMode uint8

const (
	PadRandom PadMode = iota
	PadZeros
	PadPattern
	PadOverflow
)

var padModes = []string{"random", "zeros", "pattern", "overflow"}

func (m PadMode) String() string { return padModes[m] }

// PaddingParams configures padding
type PaddingParams struct {
	Mode    string `mapstructure:"mode"`
	PadSize int    `mapstructure:"pad_size"` // 0 = random 64-4096
	Pattern string `mapstructure:"pattern"`
}

// Padding appends trailing bytes
type Padding struct {
	Base
	params PaddingParams
	mode   PadMode
}

var paddingMeta = generic("padding", "Pad packets with extra data beyond protocol maximum length")

// NewPadding builds a padding anomaly
func NewPadding(opts Options) (Anomaly, error) {
	a := &Padding{params: PaddingParams{Pattern: "AAAA"}}
	a.Init(paddingMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), a.params.Mode, padModes, PadRandom)
	if err != nil {
		return nil, err
	}
	if mode == PadPattern && a.params.Pattern == "" {
		return nil, &ParamError{Anomaly: a.Name(), Param: "pattern", Value: `""`}
	}
	a.mode = mode
	return a, nil
}

// Apply appends a raw padding layer to a copy of p
func (a *Padding) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()

	size := a.params.PadSize
	if size <= 0 {
		size = a.Between(64, 4096)
	}
	pad := a.padding(size)
	out.Append(&packet.Raw{Load: pad})

	a.log.Debugf("Added %d bytes padding (mode=%s)", size, a.mode)
	return out, nil
}

func (a *Padding) padding(size int) []byte {
	switch a.mode {
	case PadZeros:
		return make([]byte, size)
	case PadPattern:
		pattern := []byte(a.params.Pattern)
		return bytes.Repeat(pattern, size/len(pattern)+1)[:size]
	case PadOverflow:
		return a.overflow(size)
	default:
		return a.RandomBytes(size)
	}
}

func (a *Padding) overflow(size int) []byte {
	switch a.rng.Intn(4) {
	case 0:
		return bytes.Repeat([]byte{0x41}, size)
	case 1:
		sled := 0
		if size > 8 {
			sled = size - 8
		}
		out := append(bytes.Repeat([]byte{0x90}, sled), bytes.Repeat([]byte{0xCC}, 8)...)
		return out[:size]
	case 2:
		out := make([]byte, size)
		for i := range out {
			out[i] = byte(i)
		}
		return out
	default:
		return bytes.Repeat([]byte{0xFF}, size)
	}
}
