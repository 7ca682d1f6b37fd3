/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: register.go
Description: Registration of the built-in transport backends and creation with the
optional reconnect wrapper.
*/

package transport

import (
	"fmt"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/registry"
)

// Backend names
const (
	BackendMemory   = "memory"
	BackendPcap     = "pcap"
	BackendAFPacket = "afpacket"
)

// RegisterBuiltin registers memory, pcap and afpacket into r
func RegisterBuiltin(r *Registry) error {
	entries := []struct {
		meta registry.Metadata
		ctor registry.Constructor[Options, Transport]
	}{
		{registry.Metadata{Name: BackendMemory, Description: "In-memory recorder with optional loopback and scripted failures", Category: "test"}, NewMemory},
		{registry.Metadata{Name: BackendPcap, Description: "Writes frames to a pcap file", Category: "file"}, NewPcap},
		{registry.Metadata{Name: BackendAFPacket, Description: "Linux AF_PACKET raw socket (TPACKET_V3) with BPF receive filter", Category: "raw"}, NewAFPacket},
	}
	for _, e := range entries {
		if err := r.Register(e.meta, e.ctor); err != nil {
			return err
		}
	}
	return nil
}

// FromConfig creates the configured backend, wrapped for reconnection when
// transport.reconnect.enabled is set
func FromConfig(r *Registry, tc config.TransportConfig, opts Options) (Transport, error) {
	section := tc.Section(tc.Backend)
	opts.Params = section
	t, err := r.Create(tc.Backend, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBackend, err)
	}

	rc, err := ParseReconnectConfig(tc.Section("reconnect"))
	if err != nil {
		return nil, err
	}
	if rc.Enabled {
		return NewReconnecting(t, rc, opts.logger()), nil
	}
	return t, nil
}
