/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: flood.go
Description: Flood anomaly. Turns the packet into a SYN, RST or FIN flood variant, or
just randomizes its source, so that repeated sends look like many distinct peers.
Checksums are recomputed on serialization.
*/

package anomaly

import (
	"net"

	"github.com/google/gopacket/layers"
	"github.com/kleascm/packetstorm/pkg/packet"
)

// FloodMode selects the flood variant
type FloodMode uint8

const (
	FloodSourceRandomize FloodMode = iota
	FloodSYN
	FloodRST
	FloodFIN
	FloodMixed
)

var floodModes = []string{"source_randomize", "syn_flood", "rst_flood", "fin_flood", "mixed"}

func (m FloodMode) String() string { return floodModes[m] }

// FloodParams configures flood
type FloodParams struct {
	Mode             string `mapstructure:"mode"`
	RandomizeSrcIP   bool   `mapstructure:"randomize_src_ip"`
	RandomizeSrcPort bool   `mapstructure:"randomize_src_port"`
}

// Flood produces flood-style packets
type Flood struct {
	Base
	params FloodParams
	mode   FloodMode
}

var floodMeta = generic("flood", "Generate flood-style attack packets with randomized sources")

// NewFlood builds a flood anomaly
func NewFlood(opts Options) (Anomaly, error) {
	a := &Flood{params: FloodParams{RandomizeSrcIP: true, RandomizeSrcPort: true}}
	a.Init(floodMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), a.params.Mode, floodModes, FloodSourceRandomize)
	if err != nil {
		return nil, err
	}
	a.mode = mode
	return a, nil
}

// Apply rewrites a copy of p as a flood packet
func (a *Flood) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()

	mode := a.mode
	if mode == FloodMixed {
		mode = FloodMode(a.rng.Intn(int(FloodMixed)))
	}

	tcp := out.TCP()
	switch mode {
	case FloodSYN:
		if tcp != nil {
			tcp.SetFlags(packet.FlagSYN)
			tcp.Seq = a.rng.Uint32()
			tcp.Ack = 0
		}
	case FloodRST:
		if tcp != nil {
			tcp.SetFlags(packet.FlagRST)
			tcp.Seq = a.rng.Uint32()
		}
	case FloodFIN:
		if tcp != nil {
			tcp.SetFlags(packet.FlagFIN | packet.FlagACK)
			tcp.Seq = a.rng.Uint32()
			tcp.Ack = a.rng.Uint32()
		}
	}

	if a.params.RandomizeSrcPort {
		if tcp != nil {
			tcp.SrcPort = layers.TCPPort(a.Between(1024, 65535))
		}
		if udp := out.UDP(); udp != nil && mode == FloodSourceRandomize {
			udp.SrcPort = layers.UDPPort(a.Between(1024, 65535))
		}
	}
	if a.params.RandomizeSrcIP {
		if ip := out.IPv4(); ip != nil {
			ip.SrcIP = RandomIPv4(a.rng.Intn)
			ip.AutoChecksum = true
		}
	}
	// Dependent checksums follow the new addresses and ports
	if tcp != nil {
		tcp.AutoChecksum = true
	}
	if udp := out.UDP(); udp != nil {
		udp.AutoChecksum = true
	}
	return out, nil
}

var reservedFirstOctets = map[int]bool{0: true, 10: true, 127: true, 255: true}

// RandomIPv4 returns a random unicast address outside 0/8, 10/8, 127/8 and 224/3
func RandomIPv4(intn func(int) int) net.IP {
	for {
		ip := net.IPv4(byte(1+intn(254)), byte(1+intn(254)), byte(1+intn(254)), byte(1+intn(254))).To4()
		if !reservedFirstOctets[int(ip[0])] && ip[0] < 224 {
			return ip
		}
	}
}
