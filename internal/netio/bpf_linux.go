//go:build linux

package netio

import (
	"fmt"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// attachEtherTypeFilter installs a classic BPF program on fd that accepts
// only frames whose EtherType equals want, dropping everything else in
// the kernel before it reaches RawPacket.readLoop. This is the Go
// AF_PACKET analogue of the reference adapter's "BPF program ... to
// pre-filter beacons (subtype 0x80), authentications (0xb0), and actions
// (0xd0)" (spec.md §4.1): RawPacket carries one DPP-tagged EtherType per
// spec.md §9's transport-polymorphism note rather than raw 802.11
// subtypes, so the filter matches on that tag instead.
func attachEtherTypeFilter(fd int, want uint16) error {
	raw, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2}, // EtherType offset in the minimal 14-byte header
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(want), SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return fmt.Errorf("netio: assemble bpf filter: %w", err)
	}

	sockFilter := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		sockFilter[i] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	prog := unix.SockFprog{
		Len:    uint16(len(sockFilter)),
		Filter: &sockFilter[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &prog); err != nil {
		return fmt.Errorf("netio: attach bpf filter: %w", err)
	}
	return nil
}
