//go:build !linux

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: afpacket_other.go
Description: AF_PACKET is Linux only; elsewhere the backend refuses to construct.
*/

package transport

import (
	"fmt"
	"runtime"
)

// NewAFPacket reports that raw AF_PACKET sockets are unavailable
func NewAFPacket(_ Options) (Transport, error) {
	return nil, fmt.Errorf("%w: afpacket requires linux, running on %s", ErrUnsupportedOS, runtime.GOOS)
}
