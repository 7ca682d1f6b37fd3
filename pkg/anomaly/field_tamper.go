/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: field_tamper.go
Description: Field tamper anomaly. Sets a named (or randomly chosen) header field to zero,
its maximum, a random value, a bit-flipped value or a caller-specified value. Integer
ranges follow the declared width of the field.
*/

package anomaly

import (
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/sirupsen/logrus"
)

// TamperMode selects how field_tamper rewrites a field
type TamperMode uint8

const (
	TamperRandom TamperMode = iota
	TamperZero
	TamperMax
	TamperSpecific
	TamperBitflip
)

var tamperModes = []string{"random", "zero", "max", "specific", "bitflip"}

func (m TamperMode) String() string { return tamperModes[m] }

// FieldTamperParams configures field_tamper
type FieldTamperParams struct {
	TargetLayer string `mapstructure:"target_layer"`
	TargetField string `mapstructure:"target_field"`
	Mode        string `mapstructure:"mode"`
	Value       any    `mapstructure:"value"`
}

// FieldTamper rewrites one header field per call
type FieldTamper struct {
	Base
	params FieldTamperParams
	mode   TamperMode
}

var fieldTamperMeta = generic("field_tamper", "Tamper with packet fields (random, zero, max, bitflip, or specific value)")

// NewFieldTamper builds a field_tamper anomaly
func NewFieldTamper(opts Options) (Anomaly, error) {
	a := &FieldTamper{}
	a.Init(fieldTamperMeta, opts)
	if err := DecodeParams(a.Name(), opts.Params, &a.params); err != nil {
		return nil, err
	}
	mode, err := ParseMode(a.Name(), a.params.Mode, tamperModes, TamperRandom)
	if err != nil {
		return nil, err
	}
	if mode == TamperSpecific && a.params.Value == nil {
		return nil, &ParamError{Anomaly: a.Name(), Param: "value", Value: nil}
	}
	a.mode = mode
	return a, nil
}

// Apply tampers the target field of a copy of p
func (a *FieldTamper) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()

	var layer packet.Layer
	var spec packet.FieldSpec
	if a.params.TargetField != "" {
		layer = a.findLayer(out)
		if layer == nil {
			a.log.WithField("field", a.params.TargetField).Debug("Target field not present")
			return out, nil
		}
		for _, f := range packet.Fields(layer) {
			if f.Name == a.params.TargetField {
				spec = f
			}
		}
	} else {
		if out.NumLayers() == 0 {
			return out, nil
		}
		layer = out.Layer(a.rng.Intn(out.NumLayers()))
		fields := packet.Fields(layer)
		if len(fields) == 0 {
			return out, nil
		}
		spec = fields[a.rng.Intn(len(fields))]
	}

	a.tamper(layer, spec)
	return out, nil
}

// findLayer resolves target_layer; without one, the first layer declaring the field wins
func (a *FieldTamper) findLayer(p *packet.Packet) packet.Layer {
	if a.params.TargetLayer != "" {
		l := p.Find(a.params.TargetLayer)
		if l == nil || !packet.HasField(l, a.params.TargetField) {
			return nil
		}
		return l
	}
	for _, l := range p.Layers() {
		if packet.HasField(l, a.params.TargetField) {
			return l
		}
	}
	return nil
}

func (a *FieldTamper) tamper(l packet.Layer, spec packet.FieldSpec) {
	entry := a.log.WithFields(logrus.Fields{
		"layer": l.Name(),
		"field": spec.Name,
		"mode":  a.mode.String(),
	})

	if spec.Kind == packet.KindInt {
		cur, _ := packet.GetInt(l, spec.Name)
		next, err := a.intValue(cur, spec)
		if err != nil {
			entry.WithError(err).Debug("Failed to tamper field")
			return
		}
		_ = packet.SetInt(l, spec.Name, next)
		entry.Debugf("Tampered %d -> %d", cur, next&spec.Max())
		return
	}

	cur, _ := packet.GetBytes(l, spec.Name)
	next, err := a.bytesValue(cur)
	if err == nil {
		err = packet.SetBytes(l, spec.Name, next)
	}
	if err != nil {
		entry.WithError(err).Debug("Failed to tamper field")
		return
	}
	entry.Debugf("Tampered %d-byte field", len(cur))
}

func (a *FieldTamper) intValue(cur uint64, spec packet.FieldSpec) (uint64, error) {
	limit := spec.Max()
	if spec.Bits == 0 {
		limit = 0xFFFFFFFF
	}
	switch a.mode {
	case TamperZero:
		return 0, nil
	case TamperMax:
		return limit, nil
	case TamperSpecific:
		var v uint64
		if err := config.Decode(a.params.Value, &v); err != nil {
			return 0, err
		}
		return v, nil
	case TamperBitflip:
		width := spec.Bits
		if width <= 0 || width > 32 {
			width = 32
		}
		for i := a.Between(1, 3); i > 0; i-- {
			cur ^= 1 << uint(a.rng.Intn(width))
		}
		return cur, nil
	default:
		return a.rng.Uint64() & limit, nil
	}
}

func (a *FieldTamper) bytesValue(cur []byte) ([]byte, error) {
	out := make([]byte, len(cur))
	switch a.mode {
	case TamperZero:
	case TamperMax:
		for i := range out {
			out[i] = 0xFF
		}
	case TamperSpecific:
		var v []byte
		if err := config.Decode(a.params.Value, &v); err != nil {
			return nil, err
		}
		return v, nil
	case TamperBitflip:
		copy(out, cur)
		if len(out) > 0 {
			out[a.rng.Intn(len(out))] ^= 1 << uint(a.rng.Intn(8))
		}
	default:
		a.rng.Read(out)
	}
	return out, nil
}
