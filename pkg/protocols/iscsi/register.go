/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: register.go
Description: Registration of the iSCSI builder and the iSCSI anomaly.
*/

package iscsi

import (
	"github.com/kleascm/packetstorm/pkg/anomaly"
	"github.com/kleascm/packetstorm/pkg/protocols"
	"github.com/kleascm/packetstorm/pkg/registry"
)

var protocolMeta = registry.Metadata{
	Name:        ProtocolName,
	Description: "iSCSI initiator PDUs over TCP (RFC 7143)",
	Category:    "storage",
}

// Register adds the iSCSI builder to protos and the iSCSI anomaly to anomalies
func Register(protos *protocols.Registry, anomalies *anomaly.Registry) error {
	if protos != nil {
		if err := protos.Register(protocolMeta, New); err != nil {
			return err
		}
	}
	if anomalies != nil {
		if err := anomalies.Register(anomalyMeta, NewAnomaly); err != nil {
			return err
		}
	}
	return nil
}
