/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: sequence.go
Description: TCP sequence anomaly: out-of-order sequence numbers, rewound ACKs, extreme
window sizes, wraparound boundary values and zero-window stalls.
*/

package anomaly

import (
	"github.com/kleascm/packetstorm/pkg/packet"
)

// SequenceMode selects the TCP manipulation
type SequenceMode uint8

const (
	SequenceMixed SequenceMode = iota
	SequenceOutOfOrder
	SequenceDuplicateAck
	SequenceWindow
	SequenceWrap
	SequenceZeroWindow
)

var sequenceModes = []string{"mixed", "out_of_order", "duplicate_ack", "window_manipulation", "seq_wrap", "zero_window"}

func (m SequenceMode) String() string { return sequenceModes[m] }

var wrapValues = []uint32{0xFFFFFFFF, 0xFFFFFFF0, 0, 0x80000000}

// Sequence manipulates TCP sequencing and flow control
type Sequence struct {
	Base
	mode SequenceMode
}

var sequenceMeta = generic("sequence", "Manipulate TCP sequence/ack numbers and window sizes")

// NewSequence builds a sequence anomaly
func NewSequence(opts Options) (Anomaly, error) {
	a := &Sequence{}
	a.Init(sequenceMeta, opts)
	var params struct {
		Mode string `mapstructure:"mode"`
	}
	if err := DecodeParams(a.Name(), opts.Params, &params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), params.Mode, sequenceModes, SequenceMixed)
	if err != nil {
		return nil, err
	}
	a.mode = mode
	return a, nil
}

// Apply rewrites the TCP header of a copy of p; packets without TCP pass unchanged
func (a *Sequence) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()
	tcp := out.TCP()
	if tcp == nil {
		return out, nil
	}

	mode := a.mode
	if mode == SequenceMixed {
		mode = SequenceMode(1 + a.rng.Intn(len(sequenceModes)-1))
	}

	switch mode {
	case SequenceOutOfOrder:
		orig := tcp.Seq
		switch a.rng.Intn(3) {
		case 0:
			tcp.Seq += uint32(a.Between(100000, 1000000))
		case 1:
			tcp.Seq -= uint32(a.Between(100000, 1000000))
		default:
			tcp.Seq += uint32(a.Between(1, 100))
		}
		a.log.Debugf("Out-of-order seq: %d -> %d", orig, tcp.Seq)
	case SequenceDuplicateAck:
		rewind := uint32(1)
		if tcp.Ack > 0 {
			rewind = uint32(a.Between(1, int(min(tcp.Ack, 100000))))
		}
		tcp.Ack -= rewind
		tcp.ACK = true
	case SequenceWindow:
		tcp.Window = []uint16{0, 1, 65535, uint16(a.rng.Intn(65536))}[a.rng.Intn(4)]
	case SequenceWrap:
		tcp.Seq = wrapValues[a.rng.Intn(len(wrapValues))]
	case SequenceZeroWindow:
		tcp.Window = 0
		tcp.ACK = true
	}
	return out, nil
}
