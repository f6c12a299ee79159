// Package bootstrap implements the append-only bootstrapping-key store
// (spec.md §4.2) and the chirp hash resolver (spec.md §4.6).
package bootstrap

import (
	"bufio"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/ekmixon/dpp/internal/wire"
)

// Entry is one line of the bootstrap file: index, operating class,
// channel, peer MAC, and the peer's base64-encoded SubjectPublicKeyInfo.
type Entry struct {
	Index   uint32
	OpClass uint8
	Channel uint8
	PeerMAC wire.MAC
	SPKIB64 string
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates no entry matched the lookup.
	ErrNotFound = errors.New("bootstrap: entry not found")
	// ErrMalformedLine indicates a line in the bootstrap file could not be parsed.
	ErrMalformedLine = errors.New("bootstrap: malformed line")
)

// Store wraps an append-only bootstrap file. It is safe for use only from
// a single goroutine (spec.md §5: "concurrent writers are not supported");
// callers running inside the event loop (package endpoint) already satisfy
// this without any locking, but Store still serializes its own file
// operations defensively since it may be invoked from the admin API's
// read path concurrently with the loop's writes.
type Store struct {
	mu   sync.Mutex
	path string
}

// New opens (without yet reading) the bootstrap file at path. The file is
// created on first Append if it does not already exist.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the underlying file path.
func (s *Store) Path() string { return s.path }

// All reads every entry in the store, in file order.
func (s *Store) All() ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readAll()
}

func (s *Store) readAll() ([]Entry, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open %s: %w", s.path, err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			continue // malformed lines are skipped, not fatal (spec.md §7b)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("bootstrap: scan %s: %w", s.path, err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	var e Entry
	var macHex, spki string
	n, err := fmt.Sscanf(line, "%d %d %d %s %s", &e.Index, &e.OpClass, &e.Channel, &macHex, &spki)
	if err != nil || n != 5 {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	mac, err := wire.ParseMAC(macHex)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	e.PeerMAC = mac
	e.SPKIB64 = spki
	return e, nil
}

// ByIndex performs the lookup-by-index operation: a linear scan for the
// matching entry (spec.md §4.2).
func (s *Store) ByIndex(idx uint32) (Entry, error) {
	entries, err := s.All()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Index == idx {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("bootstrap: index %d: %w", idx, ErrNotFound)
}

// ChirpHash computes SHA256("chirp" || spkiDER[:len-1]) per spec.md §4.2/§4.6:
// the trailing byte of the DER encoding is excluded to match the on-wire
// convention used by the Chirp TLV.
func ChirpHash(spkiDER []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("chirp"))
	if len(spkiDER) > 0 {
		h.Write(spkiDER[:len(spkiDER)-1])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ByChirpHash implements the Chirp Resolver (spec.md §4.6): it walks the
// store, base64-decodes each entry's SPKI, and returns the first entry
// whose chirp hash matches target.
func (s *Store) ByChirpHash(target [32]byte) (Entry, error) {
	entries, err := s.All()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		der, err := base64.StdEncoding.DecodeString(e.SPKIB64)
		if err != nil {
			continue
		}
		if ChirpHash(der) == target {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("bootstrap: chirp hash: %w", ErrNotFound)
}

// Append writes a new entry, assigning idx = max(existing_idx) + 1
// (spec.md §4.2), after deduplicating on spkiB64.
//
// Deduplication resolves spec.md §9's open question: the original
// save_bootstrap_key detects an existing match ("bootstrapping key is
// trusted already") but appends a duplicate line anyway, marked with
// "// TODO: stop appending everything!" in the source it was distilled
// from. This implementation honors that TODO: a duplicate SPKI returns
// the existing entry's index instead of writing a new line.
func (s *Store) Append(opclass, channel uint8, peerMAC wire.MAC, spkiB64 string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.readAll()
	if err != nil {
		return 0, err
	}

	var maxIdx uint32
	for _, e := range entries {
		if e.SPKIB64 == spkiB64 {
			return e.Index, nil
		}
		if e.Index > maxIdx {
			maxIdx = e.Index
		}
	}

	newIdx := maxIdx + 1
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, fmt.Errorf("bootstrap: append open %s: %w", s.path, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%d %d %d %s %s\n", newIdx, opclass, channel, peerMAC.HexString(), spkiB64)
	if _, err := f.WriteString(line); err != nil {
		return 0, fmt.Errorf("bootstrap: append write %s: %w", s.path, err)
	}
	return newIdx, nil
}
