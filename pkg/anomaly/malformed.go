/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: malformed.go
Description: Malformed structure anomaly: non-zero reserved fields, invalid versions,
out-of-spec header lengths, or boundary values in numeric fields.
*/

package anomaly

import (
	"strings"

	"github.com/kleascm/packetstorm/pkg/packet"
)

// MalformMode selects the malformation
type MalformMode uint8

const (
	MalformMixed MalformMode = iota
	MalformReservedBits
	MalformVersionInvalid
	MalformHeaderLength
	MalformFieldOverflow
)

var malformModes = []string{"mixed", "reserved_bits", "version_invalid", "header_length", "field_overflow"}

func (m MalformMode) String() string { return malformModes[m] }

var (
	badIPVersions  = []uint8{0, 1, 2, 3, 5, 6, 7, 8, 15}
	badHeaderWords = []uint8{0, 1, 2, 3, 4, 14, 15}
)

// Malformed breaks structural rules of the headers
type Malformed struct {
	Base
	mode MalformMode
}

var malformedMeta = generic("malformed", "Create structurally malformed packets (reserved bits, invalid versions, etc.)")

// NewMalformed builds a malformed anomaly
func NewMalformed(opts Options) (Anomaly, error) {
	a := &Malformed{}
	a.Init(malformedMeta, opts)
	var params struct {
		Mode string `mapstructure:"mode"`
	}
	if err := DecodeParams(a.Name(), opts.Params, &params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), params.Mode, malformModes, MalformMixed)
	if err != nil {
		return nil, err
	}
	a.mode = mode
	return a, nil
}

// Apply malforms a copy of p
func (a *Malformed) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()

	mode := a.mode
	if mode == MalformMixed {
		mode = MalformMode(1 + a.rng.Intn(len(malformModes)-1))
	}
	switch mode {
	case MalformReservedBits:
		a.reservedBits(out)
	case MalformVersionInvalid:
		a.invalidVersion(out)
	case MalformHeaderLength:
		a.headerLength(out)
	case MalformFieldOverflow:
		a.fieldOverflow(out)
	}
	return out, nil
}

func isReserved(name string) bool {
	return strings.Contains(name, "reserved") || strings.Contains(name, "padding") || strings.Contains(name, "mbz")
}

func (a *Malformed) reservedBits(p *packet.Packet) {
	for _, l := range p.Layers() {
		for _, f := range packet.Fields(l) {
			if !isReserved(f.Name) {
				continue
			}
			if f.Kind == packet.KindInt {
				hi := uint64(0xFF)
				if f.Max() < hi {
					hi = f.Max()
				}
				_ = packet.SetInt(l, f.Name, 1+uint64(a.rng.Int63n(int64(hi))))
			} else {
				cur, _ := packet.GetBytes(l, f.Name)
				next := make([]byte, len(cur))
				for i := range next {
					next[i] = byte(a.Between(1, 255))
				}
				_ = packet.SetBytes(l, f.Name, next)
			}
			a.log.Debugf("Set reserved field %s.%s to non-zero", l.Name(), f.Name)
		}
	}
}

func (a *Malformed) invalidVersion(p *packet.Packet) {
	if ip := p.IPv4(); ip != nil {
		ip.Version = badIPVersions[a.rng.Intn(len(badIPVersions))]
		a.log.Debugf("Set IP version to %d", ip.Version)
	}
	for _, l := range p.Layers() {
		for _, name := range []string{"version_max", "version_min"} {
			if packet.HasField(l, name) {
				_ = packet.SetInt(l, name, uint64(a.Between(1, 0xFF)))
			}
		}
	}
}

func (a *Malformed) headerLength(p *packet.Packet) {
	if ip := p.IPv4(); ip != nil {
		_ = packet.SetInt(ip, "ihl", uint64(badHeaderWords[a.rng.Intn(len(badHeaderWords))]))
		a.log.Debugf("Set IP IHL to %d", ip.IHL)
	}
	if tcp := p.TCP(); tcp != nil {
		_ = packet.SetInt(tcp, "dataofs", uint64(badHeaderWords[a.rng.Intn(len(badHeaderWords))]))
		a.log.Debugf("Set TCP data offset to %d", tcp.DataOffset)
	}
}

func (a *Malformed) fieldOverflow(p *packet.Packet) {
	if ip := p.IPv4(); ip != nil {
		switch a.rng.Intn(4) {
		case 0:
			_ = packet.SetInt(ip, "len", []uint64{0, 1, 20, 65535}[a.rng.Intn(4)])
		case 1:
			ip.TTL = 0
		case 2:
			ip.FragOffset = 0x1FFF
		default:
			ip.Id = 0
		}
	}
	if tcp := p.TCP(); tcp != nil {
		tcp.Window = []uint16{0, 1, 65535}[a.rng.Intn(3)]
	}
}
