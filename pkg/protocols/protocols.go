/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: protocols.go
Description: Protocol builder contract. A builder turns network and protocol configuration
into complete layer-stacked baseline packets and owns the per-session sequence counters.
*/

package protocols

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/packet"
	"github.com/kleascm/packetstorm/pkg/registry"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnsupportedPacketType = errors.New("unsupported packet type")
	ErrUnknownProtocol       = errors.New("unknown protocol")
)

// UnsupportedPacketTypeError lists the valid types of the builder that rejected Type
type UnsupportedPacketTypeError struct {
	Protocol string
	Type     string
	Valid    []string
}

func (e *UnsupportedPacketTypeError) Error() string {
	return fmt.Sprintf("unknown %s packet type '%s'. Available: %s", e.Protocol, e.Type, strings.Join(e.Valid, ", "))
}

// Is makes the error match ErrUnsupportedPacketType
func (e *UnsupportedPacketTypeError) Is(target error) bool {
	return target == ErrUnsupportedPacketType
}

// Builder constructs baseline packets for one protocol
type Builder interface {
	// Protocol returns the registry name of the protocol
	Protocol() string

	// BuildPacket builds one complete packet; empty packetType selects the default
	BuildPacket(packetType string, params map[string]any) (*packet.Packet, error)

	// DefaultPacketType is the type built when none is requested
	DefaultPacketType() string

	// ListPacketTypes returns the supported packet types
	ListPacketTypes() []string

	// ListFields describes the fields of a packet type; empty type lists common fields
	ListFields(packetType string) map[string]string
}

// SessionState carries externally observed session counters; nil fields are left unchanged
type SessionState struct {
	CmdSN     *uint32
	ExpStatSN *uint32
	TSIH      *uint16
}

// Splicer is implemented by builders that can continue an observed live session
type Splicer interface {
	SetTCPState(seq, ack uint32)
	SetSessionState(state SessionState)
}

// Options is what a protocol constructor receives
type Options struct {
	Network config.NetworkConfig
	Params  map[string]any
	Logger  *logrus.Logger
}

// Registry holds protocol builder constructors
type Registry = registry.Registry[Options, Builder]

// NewRegistry creates an empty protocol registry
func NewRegistry(logger *logrus.Logger) *Registry {
	return registry.New[Options, Builder]("protocol", logger)
}
