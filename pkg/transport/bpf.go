/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: bpf.go
Description: Classic BPF receive filter matching TCP segments to or from one port over
IPv4 (unfragmented or first fragment) and IPv6 without extension headers.
*/

package transport

import (
	"golang.org/x/net/bpf"
)

// TCPPortFilter assembles "tcp port <port>"; port 0 yields no filter
func TCPPortFilter(port uint16, snaplen uint32) ([]bpf.RawInstruction, error) {
	if port == 0 {
		return nil, nil
	}
	return bpf.Assemble(TCPPortProgram(port, snaplen))
}

// TCPPortProgram is the instruction form of TCPPortFilter
func TCPPortProgram(port uint16, snaplen uint32) []bpf.Instruction {
	p := uint32(port)
	return []bpf.Instruction{
		/* 0 */ bpf.LoadAbsolute{Off: 12, Size: 2},
		/* 1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x86DD, SkipFalse: 6},
		// IPv6
		/* 2 */ bpf.LoadAbsolute{Off: 20, Size: 1},
		/* 3 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipFalse: 15},
		/* 4 */ bpf.LoadAbsolute{Off: 54, Size: 2},
		/* 5 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: p, SkipTrue: 12},
		/* 6 */ bpf.LoadAbsolute{Off: 56, Size: 2},
		/* 7 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: p, SkipTrue: 10, SkipFalse: 11},
		// IPv4
		/* 8 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0800, SkipFalse: 10},
		/* 9 */ bpf.LoadAbsolute{Off: 23, Size: 1},
		/* 10 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 6, SkipFalse: 8},
		/* 11 */ bpf.LoadAbsolute{Off: 20, Size: 2},
		/* 12 */ bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1FFF, SkipTrue: 6},
		/* 13 */ bpf.LoadMemShift{Off: 14},
		/* 14 */ bpf.LoadIndirect{Off: 14, Size: 2},
		/* 15 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: p, SkipTrue: 2},
		/* 16 */ bpf.LoadIndirect{Off: 16, Size: 2},
		/* 17 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: p, SkipFalse: 1},
		/* 18 */ bpf.RetConstant{Val: snaplen},
		/* 19 */ bpf.RetConstant{Val: 0},
	}
}
