/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fragmentation.go
Description: IPv4 fragmentation anomaly. Replaces everything after the IPv4 header with a
single crafted fragment: tiny, overlapping, incomplete (more fragments promised, none sent)
or at the maximum 13-bit offset.
*/

package anomaly

import (
	"github.com/google/gopacket/layers"
	"github.com/kleascm/packetstorm/pkg/packet"
)

// FragmentMode selects the fragment shape
type FragmentMode uint8

const (
	FragmentMixed FragmentMode = iota
	FragmentTiny
	FragmentOverlapping
	FragmentIncomplete
	FragmentExcessive
)

var fragmentModes = []string{"mixed", "tiny", "overlapping", "incomplete", "excessive"}

func (m FragmentMode) String() string { return fragmentModes[m] }

// MaxFragmentOffset is the largest 13-bit offset (65528 bytes)
const MaxFragmentOffset = 0x1FFF

// FragmentationParams configures fragmentation
type FragmentationParams struct {
	Mode         string `mapstructure:"mode"`
	FragmentSize int    `mapstructure:"fragment_size"`
}

// Fragmentation turns packets into hostile IPv4 fragments
type Fragmentation struct {
	Base
	params FragmentationParams
	mode   FragmentMode
}

var fragmentationMeta = generic("fragmentation", "IP fragmentation attacks (tiny, overlapping, incomplete, etc.)")

// NewFragmentation builds a fragmentation anomaly
func NewFragmentation(opts Options) (Anomaly, error) {
	a := &Fragmentation{params: FragmentationParams{FragmentSize: 8}}
	a.Init(fragmentationMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), a.params.Mode, fragmentModes, FragmentMixed)
	if err != nil {
		return nil, err
	}
	a.mode = mode
	return a, nil
}

// Apply returns a fragment built from a copy of p; without IPv4 the copy is unchanged
func (a *Fragmentation) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()

	ip := out.IPv4()
	if ip == nil {
		a.log.Debug("No IPv4 layer, cannot fragment")
		return out, nil
	}
	payload, err := ipPayload(out, ip)
	if err != nil {
		return nil, err
	}
	if len(payload) < 16 {
		payload = append(payload, make([]byte, 64-len(payload))...)
	}

	mode := a.mode
	if mode == FragmentMixed {
		mode = FragmentMode(1 + a.rng.Intn(len(fragmentModes)-1))
	}

	var offset uint16
	var piece []byte
	switch mode {
	case FragmentOverlapping:
		offset = uint16(a.rng.Intn(3))
		piece = a.RandomBytes(32)
	case FragmentIncomplete:
		hi := 64
		if len(payload) < hi {
			hi = len(payload)
		}
		piece = payload[:a.Between(8, hi)]
	case FragmentExcessive:
		offset = MaxFragmentOffset
		piece = payload[:min(64, len(payload))]
	default:
		size := a.params.FragmentSize
		if size < 8 {
			size = 8
		}
		piece = payload[:min(size, len(payload))]
	}

	out.TruncateLayers(out.Index(ip) + 1)
	ip.Flags = layers.IPv4MoreFragments
	ip.FragOffset = offset
	ip.AutoIHL = true
	ip.AutoTotalLength = true
	ip.AutoChecksum = true
	out.Append(&packet.Raw{Load: append([]byte(nil), piece...)})

	a.log.Debugf("Created %s fragment: offset=%d, %d bytes", mode, offset, len(piece))
	return out, nil
}

// ipPayload is the serialized data carried after the IPv4 header
func ipPayload(p *packet.Packet, ip *packet.IPv4) ([]byte, error) {
	raw, err := p.Serialize()
	if err != nil {
		return nil, err
	}
	idx := p.Index(ip)
	start := p.Offset(idx) + packet.HeaderLen(ip)
	end := p.Offset(idx) + int(ip.Length)
	if end > len(raw) || end < start {
		end = len(raw)
	}
	if start > len(raw) {
		return nil, nil
	}
	return append([]byte(nil), raw[start:end]...), nil
}
