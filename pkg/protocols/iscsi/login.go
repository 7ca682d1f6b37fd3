/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: login.go
Description: Login negotiation text. Each login stage sends its own block of
null-terminated key=value pairs.
*/

package iscsi

import (
	"strconv"
	"strings"
)

// KeyValue is one negotiation pair
type KeyValue struct {
	Key   string
	Value string
}

// LoginKeys are the negotiation keys defined for login and text requests
var LoginKeys = []string{
	"InitiatorName", "TargetName", "SessionType", "AuthMethod",
	"HeaderDigest", "DataDigest", "MaxRecvDataSegmentLength",
	"MaxBurstLength", "FirstBurstLength", "DefaultTime2Wait",
	"DefaultTime2Retain", "MaxOutstandingR2T", "MaxConnections",
	"ImmediateData", "InitialR2T", "DataPDUInOrder",
	"DataSequenceInOrder", "ErrorRecoveryLevel", "TargetAlias",
	"InitiatorAlias", "TargetAddress", "TargetPortalGroupTag",
	"SendTargets", "OFMarker", "IFMarker",
}

// EncodeKeyValues joins pairs as key=value, each terminated by a null byte
func EncodeKeyValues(pairs []KeyValue) []byte {
	var sb strings.Builder
	for _, kv := range pairs {
		sb.WriteString(kv.Key)
		sb.WriteByte('=')
		sb.WriteString(kv.Value)
		sb.WriteByte(0)
	}
	return []byte(sb.String())
}

// DecodeKeyValues splits a login data segment back into pairs; entries without '=' are dropped
func DecodeKeyValues(data []byte) []KeyValue {
	var out []KeyValue
	for _, part := range strings.Split(string(data), "\x00") {
		key, value, ok := strings.Cut(part, "=")
		if !ok || key == "" {
			continue
		}
		out = append(out, KeyValue{Key: key, Value: value})
	}
	return out
}

// SecurityKeys is the security negotiation stage block
func SecurityKeys(initiator, target string) []KeyValue {
	return []KeyValue{
		{"InitiatorName", initiator},
		{"TargetName", target},
		{"SessionType", "Normal"},
		{"AuthMethod", "None"},
	}
}

// OperationalKeys is the operational negotiation stage block
func OperationalKeys(maxRecvDataSegmentLength int) []KeyValue {
	return []KeyValue{
		{"HeaderDigest", "None"},
		{"DataDigest", "None"},
		{"MaxRecvDataSegmentLength", strconv.Itoa(maxRecvDataSegmentLength)},
		{"MaxBurstLength", "262144"},
		{"FirstBurstLength", "65536"},
		{"DefaultTime2Wait", "2"},
		{"DefaultTime2Retain", "0"},
		{"MaxOutstandingR2T", "1"},
		{"MaxConnections", "1"},
		{"ImmediateData", "Yes"},
		{"InitialR2T", "Yes"},
		{"DataPDUInOrder", "Yes"},
		{"DataSequenceInOrder", "Yes"},
		{"ErrorRecoveryLevel", "0"},
	}
}
