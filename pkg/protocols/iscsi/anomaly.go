/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: anomaly.go
Description: iSCSI-aware anomaly. Mutates BHS fields and data segments in ways only an
iSCSI target would notice: bad opcodes, reserved tags, inconsistent lengths, broken login
negotiation and out-of-window sequence numbers.
*/

package iscsi

import (
	"bytes"
	"strings"

	"github.com/kleascm/packetstorm/pkg/anomaly"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/registry"
)

// CategoryISCSI is the anomaly category of protocol-specific iSCSI anomalies
const CategoryISCSI = "iscsi"

// Mode selects the iSCSI mutation
type Mode uint8

const (
	ModeRandom Mode = iota
	ModeInvalidOpcode
	ModeWrongDirectionOpcode
	ModeInvalidITT
	ModeRandomITT
	ModeInvalidTTT
	ModeDataLengthMismatch
	ModeLoginKeyTamper
	ModeSequenceNumberManipulation
	ModeInvalidLoginStage
	ModeVersionMismatch
	ModeCDBOverflow
	ModeZeroLengthPDU
)

var modeNames = []string{
	"random", "invalid_opcode", "wrong_direction_opcode", "invalid_itt", "random_itt",
	"invalid_ttt", "data_length_mismatch", "login_key_tamper", "sequence_number_manipulation",
	"invalid_login_stage", "version_mismatch", "cdb_overflow", "zero_length_pdu",
}

func (m Mode) String() string { return modeNames[m] }

// Modes lists the concrete mutation modes
func Modes() []string {
	return append([]string(nil), modeNames[1:]...)
}

var anomalyMeta = registry.Metadata{
	Name:        "iscsi",
	Description: "iSCSI protocol anomalies (opcodes, tags, login negotiation, sequence numbers)",
	Category:    CategoryISCSI,
	AppliesTo:   []string{ProtocolName},
}

// AnomalyParams configures the iSCSI anomaly
type AnomalyParams struct {
	Mode string `mapstructure:"mode"`
}

// Anomaly applies iSCSI protocol mutations
type Anomaly struct {
	anomaly.Base
	mode Mode
}

// NewAnomaly builds the iSCSI anomaly
func NewAnomaly(opts anomaly.Options) (anomaly.Anomaly, error) {
	a := &Anomaly{}
	a.Init(anomalyMeta, opts)
	var params AnomalyParams
	if err := anomaly.DecodeParams(a.Name(), opts.Params, &params); err != nil {
		return nil, err
	}
	mode, err := anomaly.ParseMode(a.Name(), params.Mode, modeNames, ModeRandom)
	if err != nil {
		return nil, err
	}
	a.mode = mode
	return a, nil
}

// Apply mutates the iSCSI layer of a copy of p; packets without one come back unchanged
func (a *Anomaly) Apply(p *packet.Packet) (*packet.Packet, error) {
	a.Tick()
	out := p.Clone()
	pdu := out.ISCSI()
	if pdu == nil {
		return out, nil
	}

	mode := a.mode
	if mode == ModeRandom {
		mode = Mode(a.Between(int(ModeInvalidOpcode), int(ModeZeroLengthPDU)))
	}
	a.Log().WithField("mode", mode.String()).Debug("Applying iSCSI anomaly")

	rng := a.Rand()
	switch mode {
	case ModeInvalidOpcode:
		setField(pdu, "opcode", uint64(UndefinedOpcode(rng.Intn)))
	case ModeWrongDirectionOpcode:
		targets := targetOpcodeList()
		setField(pdu, "opcode", uint64(targets[rng.Intn(len(targets))]))
	case ModeInvalidITT:
		setField(pdu, "itt", uint64(ReservedTag))
	case ModeRandomITT:
		setField(pdu, "itt", uint64(a.Between(0x80000000, 0xFFFFFFFE)))
	case ModeInvalidTTT:
		setField(pdu, "ttt", uint64(a.Between(1, 0xFFFFFFFE)))
	case ModeDataLengthMismatch:
		setField(pdu, "data_segment_length", a.wrongLength(len(pdu.Data)))
	case ModeLoginKeyTamper:
		if packet.HasField(pdu, "csg") {
			pdu.SetData(TamperedLoginData(rng.Intn(len(loginTamperSets))))
		}
	case ModeSequenceNumberManipulation:
		a.manipulateSequence(pdu)
	case ModeInvalidLoginStage:
		if packet.HasField(pdu, "csg") {
			stage := badStages[rng.Intn(len(badStages))]
			setField(pdu, "csg", stage[0])
			setField(pdu, "nsg", stage[1])
			setField(pdu, "transit", 1)
		}
	case ModeVersionMismatch:
		if packet.HasField(pdu, "version_max") {
			v := badVersions[rng.Intn(len(badVersions))]
			setField(pdu, "version_max", v[0])
			setField(pdu, "version_min", v[1])
		}
	case ModeCDBOverflow:
		if packet.HasField(pdu, "cdb") {
			_ = packet.SetBytes(pdu, "cdb", a.RandomBytes(CDBLength))
		}
	case ModeZeroLengthPDU:
		setField(pdu, "total_ahs_length", 0)
		setField(pdu, "data_segment_length", 0)
		out.Append(&packet.Raw{Load: bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 256)})
	}
	return out, nil
}

// setField sets name when the PDU layout has it
func setField(pdu *packet.ISCSI, name string, v uint64) {
	if packet.HasField(pdu, name) {
		_ = packet.SetInt(pdu, name, v)
	}
}

// wrongLength picks a data_segment_length that differs from the real length n
func (a *Anomaly) wrongLength(n int) uint64 {
	if n == 0 {
		return uint64(a.Between(1, 65536))
	}
	switch a.Rand().Intn(3) {
	case 0:
		return uint64(n + a.Between(1, 1024))
	case 1:
		return uint64(max(1, n-a.Between(1, min(n, 512))))
	default:
		return 0
	}
}

func (a *Anomaly) manipulateSequence(pdu *packet.ISCSI) {
	rng := a.Rand()
	switch rng.Intn(5) {
	case 0:
		setField(pdu, "cmdsn", 0)
	case 1:
		setField(pdu, "cmdsn", 0xFFFFFFFF)
	case 2:
		setField(pdu, "cmdsn", uint64(rng.Uint32()))
	case 3:
		setField(pdu, "expstatsn", 0xFFFFFFFF)
	default:
		setField(pdu, "expstatsn", uint64(rng.Uint32()))
	}
}

// UndefinedOpcode returns a 6-bit opcode that neither side defines
func UndefinedOpcode(intn func(int) int) uint8 {
	for {
		op := uint8(intn(0x40))
		if _, ok := OpcodeName(op); !ok {
			return op
		}
	}
}

func targetOpcodeList() []uint8 {
	return []uint8{
		OpNOPIn, OpSCSIResponse, OpTaskMgmtResponse, OpLoginResponse, OpTextResponse,
		OpSCSIDataIn, OpLogoutResponse, OpR2T, OpAsyncMessage, OpReject,
	}
}

// CSG/NSG pairs that no conforming initiator sends
var badStages = [][2]uint64{{3, 0}, {3, 3}, {2, 0}, {0, 2}}

// version_max/version_min pairs no target accepts
var badVersions = [][2]uint64{{0xFF, 0xFF}, {0x01, 0x01}, {0x00, 0x01}, {0x7F, 0x7F}}

var loginTamperSets = [][]string{
	{"AuthMethod=INVALID_AUTH", "MaxRecvDataSegmentLength=99999999999", "ErrorRecoveryLevel=255"},
	{"UnknownParam=SomeValue", "X-Evil-Param=Attack", strings.Repeat("A", 256) + "=" + strings.Repeat("B", 256)},
	{"NoEqualsSign", "=NoKey", "Key=Value=Extra=Parts", "\x00\x00"},
	{"InitiatorName=" + strings.Repeat("A", 4096), "TargetName=" + strings.Repeat("B", 4096)},
}

// TamperedLoginData returns login text from tamper set i: invalid values, unknown keys,
// malformed pairs or oversized values
func TamperedLoginData(i int) []byte {
	var sb strings.Builder
	for _, entry := range loginTamperSets[i%len(loginTamperSets)] {
		sb.WriteString(entry)
		sb.WriteByte(0)
	}
	return []byte(sb.String())
}
