/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: checksum.go
Description: Checksum error anomaly. Computes the correct IPv4, TCP or UDP checksum of the
copy, then pins the field to a value that is guaranteed to differ from it.
*/

package anomaly

import (
	"github.com/kleascm/packetstorm/pkg/packet"
)

// ChecksumTarget selects which checksum(s) to corrupt
type ChecksumTarget uint8

const (
	ChecksumRandom ChecksumTarget = iota
	ChecksumIP
	ChecksumTCP
	ChecksumUDP
	ChecksumAll
)

var checksumTargets = []string{"random", "ip", "tcp", "udp", "all"}

func (t ChecksumTarget) String() string { return checksumTargets[t] }

// BadChecksumMethod selects how the wrong value is derived from the correct one
type BadChecksumMethod uint8

const (
	BadAny BadChecksumMethod = iota // one of the others, chosen per call
	BadOffset
	BadXOR
	BadComplement
	BadZero
	BadMax
	BadRandom
)

var badChecksumMethods = []string{"any", "offset", "xor", "complement", "zero", "max", "random"}

// ChecksumParams configures checksum_error
type ChecksumParams struct {
	Layer  string `mapstructure:"layer"`
	Method string `mapstructure:"method"`
}

// ChecksumError corrupts header checksums
type ChecksumError struct {
	Base
	target ChecksumTarget
	method BadChecksumMethod
}

var checksumMeta = generic("checksum_error", "Corrupt checksums at IP/TCP/UDP/protocol layers")

// NewChecksumError builds a checksum_error anomaly
func NewChecksumError(opts Options) (Anomaly, error) {
	a := &ChecksumError{}
	a.Init(checksumMeta, opts)
	var params ChecksumParams
	if err := DecodeParams(a.Name(), opts.Params, &params); err != nil {
		return nil, err
	}
	target, err := ParseMode(a.Name(), params.Layer, checksumTargets, ChecksumRandom)
	if err != nil {
		return nil, err
	}
	method, err := ParseMode(a.Name(), params.Method, badChecksumMethods, BadAny)
	if err != nil {
		return nil, err
	}
	a.target, a.method = target, method
	return a, nil
}

// Apply corrupts the selected checksum(s) of a copy of p
func (a *ChecksumError) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()

	target := a.target
	if target == ChecksumRandom {
		var options []ChecksumTarget
		if out.IPv4() != nil {
			options = append(options, ChecksumIP)
		}
		if out.TCP() != nil {
			options = append(options, ChecksumTCP)
		}
		if out.UDP() != nil {
			options = append(options, ChecksumUDP)
		}
		if len(options) == 0 {
			return out, nil
		}
		target = options[a.rng.Intn(len(options))]
	}

	if target == ChecksumIP || target == ChecksumAll {
		if ip := out.IPv4(); ip != nil {
			ip.AutoChecksum = true
			if err := a.corrupt(out, ip); err != nil {
				return nil, err
			}
		}
	}
	if target == ChecksumTCP || target == ChecksumAll {
		if tcp := out.TCP(); tcp != nil {
			tcp.AutoChecksum = true
			if err := a.corrupt(out, tcp); err != nil {
				return nil, err
			}
		}
	}
	if target == ChecksumUDP || target == ChecksumAll {
		if udp := out.UDP(); udp != nil {
			udp.AutoChecksum = true
			if err := a.corrupt(out, udp); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// corrupt serializes p so l computes its correct checksum, then pins a different value
func (a *ChecksumError) corrupt(p *packet.Packet, l packet.Layer) error {
	if _, err := p.Serialize(); err != nil {
		return err
	}
	correct, err := packet.GetInt(l, "chksum")
	if err != nil {
		return err
	}
	bad := a.badChecksum(uint16(correct))
	if err := packet.SetInt(l, "chksum", uint64(bad)); err != nil {
		return err
	}
	a.log.Debugf("Corrupted %s checksum: 0x%04x -> 0x%04x", l.Name(), correct, bad)
	return nil
}

func (a *ChecksumError) badChecksum(correct uint16) uint16 {
	method := a.method
	if method == BadAny {
		method = BadChecksumMethod(1 + a.rng.Intn(len(badChecksumMethods)-1))
	}

	var bad uint16
	switch method {
	case BadOffset:
		bad = correct + uint16(a.Between(1, 0x7FFF))
	case BadXOR:
		bad = correct ^ uint16(a.Between(1, 0xFFFF))
	case BadComplement:
		bad = ^correct
	case BadZero:
		bad = 0
	case BadMax:
		bad = 0xFFFF
	default:
		bad = uint16(a.rng.Intn(0x10000))
	}
	if bad == correct {
		bad = correct + 1
	}
	return bad
}
