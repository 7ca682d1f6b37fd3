/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: builder.go
Description: iSCSI initiator packet builder. Produces complete Ethernet/IP/TCP/iSCSI frames
for every initiator PDU type while keeping ITT, CmdSN and the TCP sequence consistent across
calls, so a run looks like one continuous session on the wire.
*/

package iscsi

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/sirupsen/logrus"
)

// ProtocolName is the registry name of the iSCSI protocol
const ProtocolName = "iscsi"

// Packet types
const (
	TypeLoginRequest   = "login_request"
	TypeSCSICommand    = "scsi_command"
	TypeSCSIRead       = "scsi_read"
	TypeSCSIWrite      = "scsi_write"
	TypeDataOut        = "data_out"
	TypeNOPOut         = "nop_out"
	TypeLogoutRequest  = "logout_request"
	TypeTaskManagement = "task_management"
	TypeTextRequest    = "text_request"
)

var packetTypes = []string{
	TypeLoginRequest, TypeSCSICommand, TypeSCSIRead, TypeSCSIWrite, TypeDataOut,
	TypeNOPOut, TypeLogoutRequest, TypeTaskManagement, TypeTextRequest,
}

// Config is the protocol.iscsi configuration section
type Config struct {
	TargetPort               uint16 `mapstructure:"target_port" json:"target_port"`
	SourcePort               uint16 `mapstructure:"source_port" json:"source_port"` // 0 picks an ephemeral port
	InitiatorName            string `mapstructure:"initiator_name" json:"initiator_name"`
	TargetName               string `mapstructure:"target_name" json:"target_name"`
	PacketType               string `mapstructure:"packet_type" json:"packet_type"`
	MaxRecvDataSegmentLength int    `mapstructure:"max_recv_data_segment_length" json:"max_recv_data_segment_length"`
	BlockSize                int    `mapstructure:"block_size" json:"block_size"`
	Seed                     *int64 `mapstructure:"seed" json:"seed,omitempty"`
}

// DefaultConfig returns the builder defaults
func DefaultConfig() Config {
	return Config{
		TargetPort:               DefaultPort,
		InitiatorName:            "iqn.2024-01.com.packetstorm:initiator",
		TargetName:               "iqn.2024-01.com.storage:target",
		PacketType:               TypeLoginRequest,
		MaxRecvDataSegmentLength: DefaultMaxRecvDataSegmentLength,
		BlockSize:                512,
	}
}

// Builder builds iSCSI initiator frames. It is safe for concurrent use.
type Builder struct {
	cfg     Config
	network config.NetworkConfig
	rng     *rand.Rand
	log     *logrus.Entry

	mu        sync.Mutex
	itt       uint32 // next tag to allocate
	lastITT   uint32 // most recently allocated tag, 0 before the first
	cmdSN     uint32
	expStatSN uint32
	tsih      uint16
	isid      uint32
	cid       uint16
	tcpSeq    uint32
	tcpAck    uint32
	ipID      uint16
	srcPort   uint16
}

// New creates a builder from the network configuration and the protocol.iscsi section
func New(opts protocols.Options) (protocols.Builder, error) {
	return NewBuilder(opts)
}

// NewBuilder is New returning the concrete type
func NewBuilder(opts protocols.Options) (*Builder, error) {
	cfg := DefaultConfig()
	if err := config.Decode(opts.Params, &cfg); err != nil {
		return nil, fmt.Errorf("protocol.iscsi: %w", err)
	}
	if cfg.TargetPort == 0 {
		cfg.TargetPort = DefaultPort
	}
	if cfg.PacketType == "" {
		cfg.PacketType = TypeLoginRequest
	}
	if !validType(cfg.PacketType) {
		return nil, &protocols.UnsupportedPacketTypeError{Protocol: ProtocolName, Type: cfg.PacketType, Valid: packetTypes}
	}

	seed := time.Now().UnixNano()
	if cfg.Seed != nil {
		seed = *cfg.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	b := &Builder{
		cfg:     cfg,
		network: opts.Network,
		rng:     rng,
		log:     logger.WithField("component", "protocol.iscsi"),
		itt:     1,
		cmdSN:   1,
		cid:     1,
		isid:    uint32(rng.Intn(0x1000000)),
		tcpSeq:  rng.Uint32(),
		ipID:    uint16(rng.Intn(0x10000)),
		srcPort: cfg.SourcePort,
	}
	if b.srcPort == 0 {
		b.srcPort = protocols.EphemeralPort(rng)
	}

	b.log.WithFields(logrus.Fields{
		"target_port": cfg.TargetPort,
		"source_port": b.srcPort,
		"initiator":   cfg.InitiatorName,
	}).Debug("iSCSI builder initialized")
	return b, nil
}

// Protocol returns "iscsi"
func (b *Builder) Protocol() string { return ProtocolName }

// DefaultPacketType is the configured packet_type
func (b *Builder) DefaultPacketType() string { return b.cfg.PacketType }

// ListPacketTypes returns the supported PDU types
func (b *Builder) ListPacketTypes() []string {
	return append([]string(nil), packetTypes...)
}

// Config returns the decoded protocol configuration
func (b *Builder) Config() Config { return b.cfg }

func validType(t string) bool {
	for _, v := range packetTypes {
		if v == t {
			return true
		}
	}
	return false
}

// BuildPacket builds one frame of packetType using per-call params
func (b *Builder) BuildPacket(packetType string, params map[string]any) (*packet.Packet, error) {
	if packetType == "" {
		packetType = b.cfg.PacketType
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var (
		pdu *packet.ISCSI
		err error
	)
	switch packetType {
	case TypeLoginRequest:
		pdu, err = b.buildLogin(params)
	case TypeSCSICommand:
		pdu, err = b.buildSCSICommand(params)
	case TypeSCSIRead:
		pdu, err = b.buildReadWrite(params, false)
	case TypeSCSIWrite:
		pdu, err = b.buildReadWrite(params, true)
	case TypeDataOut:
		pdu, err = b.buildDataOut(params)
	case TypeNOPOut:
		pdu = b.buildNOPOut()
	case TypeLogoutRequest:
		pdu, err = b.buildLogout(params)
	case TypeTaskManagement:
		pdu, err = b.buildTaskManagement(params)
	case TypeTextRequest:
		pdu, err = b.buildText(params)
	default:
		return nil, &protocols.UnsupportedPacketTypeError{Protocol: ProtocolName, Type: packetType, Valid: packetTypes}
	}
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", packetType, err)
	}
	return b.wrap(pdu)
}

// wrap puts pdu behind Ethernet/IP/TCP headers and advances the TCP sequence
func (b *Builder) wrap(pdu *packet.ISCSI) (*packet.Packet, error) {
	stack, err := protocols.L2L4(b.network, protocols.TCPParams{
		SrcPort: b.srcPort,
		DstPort: b.cfg.TargetPort,
		Seq:     b.tcpSeq,
		Ack:     b.tcpAck,
		Flags:   packet.FlagPSH | packet.FlagACK,
		Window:  65535,
	}, b.ipID)
	if err != nil {
		return nil, err
	}
	b.ipID++
	b.tcpSeq += uint32(pdu.Len())
	return packet.New(append(stack, pdu)...), nil
}

func (b *Builder) nextITT() uint32 {
	itt := b.itt
	b.lastITT = itt
	b.itt++
	if b.itt == 0 {
		b.itt = 1
	}
	return itt
}

func (b *Builder) nextCmdSN() uint32 {
	sn := b.cmdSN
	b.cmdSN++
	return sn
}

// stamp sets the tag and sequence fields shared by command PDUs
func (b *Builder) stamp(pdu *packet.ISCSI) {
	set(pdu, "itt", uint64(b.nextITT()))
	set(pdu, "cmdsn", uint64(b.nextCmdSN()))
	set(pdu, "expstatsn", uint64(b.expStatSN))
}

func set(pdu *packet.ISCSI, name string, v uint64) {
	_ = packet.SetInt(pdu, name, v)
}

func setLUN(pdu *packet.ISCSI, lun uint64) {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], lun)
	_ = packet.SetBytes(pdu, "lun", raw[:])
}

type loginParams struct {
	Stage   string `mapstructure:"stage"`
	Transit *bool  `mapstructure:"transit"`
}

func (b *Builder) buildLogin(params map[string]any) (*packet.ISCSI, error) {
	p := loginParams{Stage: "security"}
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}

	var csg, nsg uint64
	var pairs []KeyValue
	switch p.Stage {
	case "security":
		csg, nsg = StageSecurityNegotiation, StageOperationalNegotiation
		pairs = SecurityKeys(b.cfg.InitiatorName, b.cfg.TargetName)
	case "operational":
		csg, nsg = StageOperationalNegotiation, StageFullFeature
		pairs = OperationalKeys(b.cfg.MaxRecvDataSegmentLength)
	default:
		return nil, fmt.Errorf("unknown login stage '%s' (valid: security, operational)", p.Stage)
	}

	pdu := NewPDU(OpLoginRequest)
	transit := p.Transit == nil || *p.Transit
	if transit {
		set(pdu, "transit", 1)
	}
	set(pdu, "csg", csg)
	set(pdu, "nsg", nsg)
	set(pdu, "isid_a", uint64(b.isid))
	set(pdu, "tsih", uint64(b.tsih))
	set(pdu, "cid", uint64(b.cid))
	b.stamp(pdu)
	pdu.SetData(EncodeKeyValues(pairs))
	return pdu, nil
}

type scsiParams struct {
	CDB        []byte `mapstructure:"cdb"`
	LUN        uint64 `mapstructure:"lun"`
	Read       bool   `mapstructure:"read"`
	Write      bool   `mapstructure:"write"`
	DataLength int64  `mapstructure:"data_length"`
	Data       []byte `mapstructure:"data"`
}

func (b *Builder) buildSCSICommand(params map[string]any) (*packet.ISCSI, error) {
	var p scsiParams
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}
	return b.scsiCommand(p), nil
}

func (b *Builder) scsiCommand(p scsiParams) *packet.ISCSI {
	pdu := NewPDU(OpSCSICommand)
	if p.Read {
		set(pdu, "read", 1)
	}
	if p.Write {
		set(pdu, "write", 1)
	}
	set(pdu, "attr", SCSIAttrSimple)
	setLUN(pdu, p.LUN)
	b.stamp(pdu)
	set(pdu, "expected_data_length", uint64(uint32(p.DataLength)))

	cdb := make([]byte, CDBLength)
	copy(cdb, p.CDB) // nil CDB is TEST UNIT READY
	_ = packet.SetBytes(pdu, "cdb", cdb)

	if len(p.Data) > 0 {
		pdu.SetData(p.Data)
	}
	return pdu
}

type readWriteParams struct {
	LBA        int64  `mapstructure:"lba"`
	BlockCount int64  `mapstructure:"block_count"`
	BlockSize  int64  `mapstructure:"block_size"`
	LUN        uint64 `mapstructure:"lun"`
	Data       []byte `mapstructure:"data"`
}

// RW10CDB packs a READ(10)/WRITE(10) CDB padded to 16 bytes
func RW10CDB(opcode uint8, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, CDBLength)
	cdb[0] = opcode
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

func (b *Builder) buildReadWrite(params map[string]any, write bool) (*packet.ISCSI, error) {
	p := readWriteParams{BlockCount: 1, BlockSize: int64(b.cfg.BlockSize)}
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}

	op := SCSIRead10
	if write {
		op = SCSIWrite10
	}
	sp := scsiParams{
		CDB:        RW10CDB(op, uint32(p.LBA), uint16(p.BlockCount)),
		LUN:        p.LUN,
		Read:       !write,
		Write:      write,
		DataLength: p.BlockCount * p.BlockSize,
	}
	if write {
		sp.Data = p.Data
	}
	return b.scsiCommand(sp), nil
}

type dataOutParams struct {
	Data         []byte `mapstructure:"data"`
	ITT          *int64 `mapstructure:"itt"`
	TTT          *int64 `mapstructure:"ttt"`
	DataSN       int64  `mapstructure:"datasn"`
	BufferOffset int64  `mapstructure:"buffer_offset"`
	Final        *bool  `mapstructure:"final"`
	LUN          uint64 `mapstructure:"lun"`
}

// buildDataOut reuses the tag of the last command; it allocates neither ITT nor CmdSN
func (b *Builder) buildDataOut(params map[string]any) (*packet.ISCSI, error) {
	var p dataOutParams
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}
	if p.Data == nil {
		p.Data = make([]byte, 512)
	}

	pdu := NewPDU(OpSCSIDataOut)
	if p.Final != nil && !*p.Final {
		set(pdu, "final", 0)
	}
	setLUN(pdu, p.LUN)

	itt := b.lastITT
	if itt == 0 {
		itt = b.itt
	}
	if p.ITT != nil {
		itt = uint32(*p.ITT)
	}
	set(pdu, "itt", uint64(itt))
	if p.TTT != nil {
		set(pdu, "ttt", uint64(uint32(*p.TTT)))
	}
	set(pdu, "expstatsn", uint64(b.expStatSN))
	set(pdu, "datasn", uint64(uint32(p.DataSN)))
	set(pdu, "buffer_offset", uint64(uint32(p.BufferOffset)))
	pdu.SetData(p.Data)
	return pdu, nil
}

func (b *Builder) buildNOPOut() *packet.ISCSI {
	pdu := NewPDU(OpNOPOut)
	b.stamp(pdu)
	return pdu
}

type logoutParams struct {
	Reason int64 `mapstructure:"reason"`
}

func (b *Builder) buildLogout(params map[string]any) (*packet.ISCSI, error) {
	var p logoutParams
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}
	pdu := NewPDU(OpLogoutRequest)
	set(pdu, "reason_code", uint64(p.Reason))
	set(pdu, "cid", uint64(b.cid))
	b.stamp(pdu)
	return pdu, nil
}

type taskParams struct {
	Function int64  `mapstructure:"function"`
	RefITT   *int64 `mapstructure:"ref_itt"`
	LUN      uint64 `mapstructure:"lun"`
}

func (b *Builder) buildTaskManagement(params map[string]any) (*packet.ISCSI, error) {
	p := taskParams{Function: TaskAbortTask}
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}
	pdu := NewPDU(OpTaskManagement)
	set(pdu, "function", uint64(p.Function))
	setLUN(pdu, p.LUN)
	if p.RefITT != nil {
		set(pdu, "ref_task_tag", uint64(uint32(*p.RefITT)))
	}
	b.stamp(pdu)
	return pdu, nil
}

type textParams struct {
	TextData *string `mapstructure:"text_data"`
}

func (b *Builder) buildText(params map[string]any) (*packet.ISCSI, error) {
	var p textParams
	if err := config.Decode(params, &p); err != nil {
		return nil, err
	}
	text := "SendTargets=All\x00"
	if p.TextData != nil {
		text = *p.TextData
	}
	pdu := NewPDU(OpTextRequest)
	b.stamp(pdu)
	pdu.SetData([]byte(text))
	return pdu, nil
}

// SetTCPState splices subsequent frames into an observed TCP stream
func (b *Builder) SetTCPState(seq, ack uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tcpSeq = seq
	b.tcpAck = ack
}

// SetSessionState overrides the iSCSI counters that are set
func (b *Builder) SetSessionState(state protocols.SessionState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state.CmdSN != nil {
		b.cmdSN = *state.CmdSN
	}
	if state.ExpStatSN != nil {
		b.expStatSN = *state.ExpStatSN
	}
	if state.TSIH != nil {
		b.tsih = *state.TSIH
	}
}

// Counters is a snapshot of the session sequencing state
type Counters struct {
	NextITT   uint32 `json:"next_itt"`
	CmdSN     uint32 `json:"cmdsn"`
	ExpStatSN uint32 `json:"expstatsn"`
	TSIH      uint16 `json:"tsih"`
	ISID      uint32 `json:"isid"`
	TCPSeq    uint32 `json:"tcp_seq"`
	TCPAck    uint32 `json:"tcp_ack"`
	SrcPort   uint16 `json:"src_port"`
}

// Counters returns the current sequencing state
func (b *Builder) Counters() Counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Counters{
		NextITT:   b.itt,
		CmdSN:     b.cmdSN,
		ExpStatSN: b.expStatSN,
		TSIH:      b.tsih,
		ISID:      b.isid,
		TCPSeq:    b.tcpSeq,
		TCPAck:    b.tcpAck,
		SrcPort:   b.srcPort,
	}
}

// Reset restores the counters of a fresh builder; the ISID and source port are kept
func (b *Builder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.itt = 1
	b.lastITT = 0
	b.cmdSN = 1
	b.expStatSN = 0
	b.tsih = 0
	b.tcpSeq = b.rng.Uint32()
	b.tcpAck = 0
}

var commonFields = map[string]string{
	"opcode":              "iSCSI operation code (0x00-0x3F)",
	"immediate":           "Immediate delivery flag",
	"total_ahs_length":    "Additional Header Segment length",
	"data_segment_length": "Data segment length in bytes",
	"lun":                 "Logical Unit Number (8 bytes)",
	"itt":                 "Initiator Task Tag",
	"cmdsn":               "Command Sequence Number",
	"expstatsn":           "Expected Status Sequence Number",
}

var typeFields = map[string]map[string]string{
	TypeLoginRequest: {
		"transit":       "Transit to next login stage",
		"continue_flag": "Continue current login stage",
		"csg":           "Current Stage (0=security, 1=operational)",
		"nsg":           "Next Stage (1=operational, 3=full-feature)",
		"version_max":   "Maximum iSCSI version",
		"version_min":   "Minimum iSCSI version",
		"isid_a":        "Initiator Session ID (type + OUI)",
		"isid_b":        "Initiator Session ID (qualifier)",
		"tsih":          "Target Session Identifying Handle",
		"cid":           "Connection ID",
	},
	TypeSCSICommand: {
		"final":                "Final PDU flag",
		"read":                 "Read data flag",
		"write":                "Write data flag",
		"attr":                 "Task attributes (0=untagged, 1=simple, etc.)",
		"expected_data_length": "Expected data transfer length",
		"cdb":                  "SCSI Command Descriptor Block (16 bytes)",
	},
	TypeDataOut: {
		"final":         "Final data PDU flag",
		"ttt":           "Target Transfer Tag",
		"datasn":        "Data Sequence Number",
		"buffer_offset": "Buffer offset for write data",
	},
	TypeNOPOut: {
		"final": "Final PDU flag",
		"ttt":   "Target Transfer Tag (0xFFFFFFFF when initiator-originated)",
	},
	TypeLogoutRequest: {
		"reason_code": "Logout reason (0=session, 1=connection, 2=recovery)",
		"cid":         "Connection ID",
	},
	TypeTaskManagement: {
		"function":     "Task management function code",
		"ref_task_tag": "Referenced Task Tag",
		"ref_cmdsn":    "Referenced Command Sequence Number",
		"exp_datasn":   "Expected Data Sequence Number",
	},
	TypeTextRequest: {
		"final":         "Final PDU flag",
		"continue_flag": "Continue text negotiation",
		"ttt":           "Target Transfer Tag",
	},
}

func init() {
	typeFields[TypeSCSIRead] = typeFields[TypeSCSICommand]
	typeFields[TypeSCSIWrite] = typeFields[TypeSCSICommand]
}

// ListFields describes the header fields of packetType; empty lists every type's fields
func (b *Builder) ListFields(packetType string) map[string]string {
	out := make(map[string]string, len(commonFields))
	for k, v := range commonFields {
		out[k] = v
	}

	var types []string
	if packetType == "" {
		for t := range typeFields {
			types = append(types, t)
		}
		sort.Strings(types)
	} else {
		types = []string{packetType}
	}
	for _, t := range types {
		for k, v := range typeFields[t] {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}
