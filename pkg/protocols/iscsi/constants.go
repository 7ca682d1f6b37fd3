/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: constants.go
Description: iSCSI opcodes, flags, stage numbers and limits (RFC 7143), plus PDU templates
carrying the per-opcode header defaults.
*/

package iscsi

import (
	"github.com/kleascm/packetstorm/pkg/packet"
)

// Initiator opcodes
const (
	OpNOPOut         uint8 = 0x00
	OpSCSICommand    uint8 = 0x01
	OpTaskManagement uint8 = 0x02
	OpLoginRequest   uint8 = 0x03
	OpTextRequest    uint8 = 0x04
	OpSCSIDataOut    uint8 = 0x05
	OpLogoutRequest  uint8 = 0x06
	OpSNACKRequest   uint8 = 0x10
)

// Target opcodes
const (
	OpNOPIn            uint8 = 0x20
	OpSCSIResponse     uint8 = 0x21
	OpTaskMgmtResponse uint8 = 0x22
	OpLoginResponse    uint8 = 0x23
	OpTextResponse     uint8 = 0x24
	OpSCSIDataIn       uint8 = 0x25
	OpLogoutResponse   uint8 = 0x26
	OpR2T              uint8 = 0x31
	OpAsyncMessage     uint8 = 0x32
	OpReject           uint8 = 0x3F
)

// InitiatorOpcodes names the opcodes an initiator may send
var InitiatorOpcodes = map[uint8]string{
	OpNOPOut:         "NOP-Out",
	OpSCSICommand:    "SCSI Command",
	OpTaskManagement: "Task Management",
	OpLoginRequest:   "Login Request",
	OpTextRequest:    "Text Request",
	OpSCSIDataOut:    "SCSI Data-Out",
	OpLogoutRequest:  "Logout Request",
	OpSNACKRequest:   "SNACK Request",
}

// TargetOpcodes names the opcodes only a target may send
var TargetOpcodes = map[uint8]string{
	OpNOPIn:            "NOP-In",
	OpSCSIResponse:     "SCSI Response",
	OpTaskMgmtResponse: "Task Management Response",
	OpLoginResponse:    "Login Response",
	OpTextResponse:     "Text Response",
	OpSCSIDataIn:       "SCSI Data-In",
	OpLogoutResponse:   "Logout Response",
	OpR2T:              "R2T",
	OpAsyncMessage:     "Async Message",
	OpReject:           "Reject",
}

// OpcodeName returns the name of a defined opcode
func OpcodeName(op uint8) (string, bool) {
	if name, ok := InitiatorOpcodes[op]; ok {
		return name, true
	}
	name, ok := TargetOpcodes[op]
	return name, ok
}

// Login stages
const (
	StageSecurityNegotiation    = 0
	StageOperationalNegotiation = 1
	StageFullFeature            = 3
)

// Logout reason codes
const (
	LogoutCloseSession    = 0
	LogoutCloseConnection = 1
	LogoutRecovery        = 2
)

// Task management function codes
const (
	TaskAbortTask         = 1
	TaskAbortTaskSet      = 2
	TaskClearACA          = 3
	TaskClearTaskSet      = 4
	TaskLUNReset          = 5
	TaskTargetWarmReset   = 6
	TaskTargetColdReset   = 7
	TaskReassign          = 8
	SCSIAttrSimple        = 1
	ReservedTag    uint32 = 0xFFFFFFFF
)

// SCSI CDB opcodes
const (
	SCSITestUnitReady  uint8 = 0x00
	SCSIInquiry        uint8 = 0x12
	SCSIReadCapacity10 uint8 = 0x25
	SCSIRead10         uint8 = 0x28
	SCSIWrite10        uint8 = 0x2A
	SCSIRead16         uint8 = 0x88
	SCSIWrite16        uint8 = 0x8A
	SCSIReportLUNs     uint8 = 0xA0
)

const (
	DefaultPort                     = packet.ISCSIPort
	DefaultMaxRecvDataSegmentLength = 65536
	DefaultISIDA                    = 0x00023D00
	CDBLength                       = 16
)

// NewPDU returns a PDU for opcode with the header defaults of its type
func NewPDU(opcode uint8) *packet.ISCSI {
	pdu := packet.NewISCSI(opcode)
	set := func(name string, v uint64) {
		if packet.HasField(pdu, name) {
			_ = packet.SetInt(pdu, name, v)
		}
	}

	switch opcode {
	case OpNOPOut, OpLoginRequest, OpTaskManagement, OpTextRequest, OpLogoutRequest:
		set("immediate", 1)
	}
	set("final", 1)
	switch opcode {
	case OpNOPOut, OpTextRequest, OpSCSIDataOut, OpSNACKRequest:
		set("ttt", uint64(ReservedTag))
	case OpTaskManagement:
		set("ref_task_tag", uint64(ReservedTag))
	case OpLoginRequest:
		set("isid_a", DefaultISIDA)
		set("cid", 1)
	case OpLogoutRequest:
		set("cid", 1)
	}
	return pdu
}
