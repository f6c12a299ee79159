// Package regdb resolves (operating class, channel) pairs to center
// frequencies for channel-change requests issued by the Frame I/O Adapter
// (spec.md §4.1).
//
// The FreeBSD reference implementation's change_dpp_freq walks this same
// kind of table but iterates its loop bound variable ("maxregs") without
// initializing it first. This package always derives its iteration bound
// from len(table), so that bug has nothing to reproduce.
package regdb

import "fmt"

// Entry is one regulatory-class/channel-to-frequency mapping.
type Entry struct {
	OpClass uint8
	Channel uint8
	FreqMHz uint32
}

// table covers the global operating classes DPP commonly needs: 2.4GHz
// (opclass 81, channels 1-13, and opclass 82, channel 14) and a
// representative slice of 5GHz (opclass
// 115/124). It is intentionally not exhaustive of every worldwide
// regulatory domain -- platform-specific ioctls (out of scope per
// spec.md §1) would own that completeness in a production build.
var table = buildTable()

func buildTable() []Entry {
	var t []Entry
	for ch := uint8(1); ch <= 13; ch++ {
		t = append(t, Entry{OpClass: 81, Channel: ch, FreqMHz: 2407 + uint32(ch)*5})
	}
	t = append(t, Entry{OpClass: 82, Channel: 14, FreqMHz: 2484})
	for _, ch := range []uint8{36, 40, 44, 48} {
		t = append(t, Entry{OpClass: 115, Channel: ch, FreqMHz: 5000 + uint32(ch)*5})
	}
	for _, ch := range []uint8{149, 153, 157, 161, 165} {
		t = append(t, Entry{OpClass: 124, Channel: ch, FreqMHz: 5000 + uint32(ch)*5})
	}
	return t
}

// ErrNoSuchChannel is returned when the (opclass, channel) pair has no
// known frequency mapping.
type ErrNoSuchChannel struct {
	OpClass uint8
	Channel uint8
}

func (e *ErrNoSuchChannel) Error() string {
	return fmt.Sprintf("regdb: no frequency for opclass %d channel %d", e.OpClass, e.Channel)
}

// Frequency resolves (opclass, channel) to a center frequency in MHz.
func Frequency(opclass, channel uint8) (uint32, error) {
	n := len(table)
	for i := 0; i < n; i++ {
		if table[i].OpClass == opclass && table[i].Channel == channel {
			return table[i].FreqMHz, nil
		}
	}
	return 0, &ErrNoSuchChannel{OpClass: opclass, Channel: channel}
}
