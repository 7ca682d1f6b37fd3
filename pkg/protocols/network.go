/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: network.go
Description: Network addressing shared by every protocol, and the Ethernet/IP/TCP header
stack that protocol data units are carried in.
*/

package protocols

import (
	"fmt"
	"math/rand"
	"net"

	"github.com/google/gopacket/layers"
	"github.com/kleascm/packetstorm/pkg/config"
	"github.com/kleascm/packetstorm/pkg/packet"
)

// TCPParams are the per-packet TCP header values
type TCPParams struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint64
	Window  uint16
}

// L2L4 builds Ethernet + IPv4/IPv6 + TCP headers with auto lengths and checksums
func L2L4(nc config.NetworkConfig, tp TCPParams, ipID uint16) ([]packet.Layer, error) {
	src, err := parseMAC(nc.SrcMAC, "00:00:00:00:00:00")
	if err != nil {
		return nil, fmt.Errorf("network.src_mac: %w", err)
	}
	dst, err := parseMAC(nc.DstMAC, "ff:ff:ff:ff:ff:ff")
	if err != nil {
		return nil, fmt.Errorf("network.dst_mac: %w", err)
	}

	eth := &packet.Ethernet{}
	eth.SrcMAC = src
	eth.DstMAC = dst

	var ip packet.Layer
	if nc.UseIPv6 {
		eth.EthernetType = layers.EthernetTypeIPv6
		v6 := &packet.IPv6{AutoLength: true}
		v6.Version = 6
		v6.HopLimit = 64
		v6.NextHeader = layers.IPProtocolTCP
		v6.SrcIP = parseIP(nc.SrcIPv6, "::")
		v6.DstIP = parseIP(nc.DstIPv6, "::")
		ip = v6
	} else {
		eth.EthernetType = layers.EthernetTypeIPv4
		v4 := &packet.IPv4{AutoIHL: true, AutoTotalLength: true, AutoChecksum: true}
		v4.Version = 4
		v4.IHL = 5
		v4.TTL = 64
		v4.Id = ipID
		v4.Protocol = layers.IPProtocolTCP
		v4.SrcIP = parseIP(nc.SrcIP, "0.0.0.0").To4()
		v4.DstIP = parseIP(nc.DstIP, "0.0.0.0").To4()
		ip = v4
	}

	tcp := &packet.TCP{AutoLength: true, AutoChecksum: true}
	tcp.SrcPort = layers.TCPPort(tp.SrcPort)
	tcp.DstPort = layers.TCPPort(tp.DstPort)
	tcp.Seq = tp.Seq
	tcp.Ack = tp.Ack
	tcp.Window = tp.Window
	tcp.DataOffset = 5
	tcp.SetFlags(tp.Flags)

	return []packet.Layer{eth, ip, tcp}, nil
}

// EphemeralPort returns a random port in the dynamic range 49152-65535
func EphemeralPort(rng *rand.Rand) uint16 {
	return uint16(49152 + rng.Intn(65536-49152))
}

func parseMAC(s, def string) (net.HardwareAddr, error) {
	if s == "" || s == "auto" {
		s = def
	}
	return net.ParseMAC(s)
}

func parseIP(s, def string) net.IP {
	if ip := net.ParseIP(s); ip != nil {
		return ip
	}
	return net.ParseIP(def)
}
