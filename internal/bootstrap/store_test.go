package bootstrap_test

import (
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/ekmixon/dpp/internal/bootstrap"
	"github.com/ekmixon/dpp/internal/wire"
)

func TestAppendAndByIndex(t *testing.T) {
	dir := t.TempDir()
	s := bootstrap.New(filepath.Join(dir, "bootstrap.txt"))

	mac := wire.MAC{0x02, 0, 0, 0, 0, 1}
	idx, err := s.Append(81, 6, mac, "AAAA")
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if idx != 1 {
		t.Fatalf("got idx %d, want 1", idx)
	}

	e, err := s.ByIndex(idx)
	if err != nil {
		t.Fatalf("ByIndex: %v", err)
	}
	if e.PeerMAC != mac || e.SPKIB64 != "AAAA" {
		t.Fatalf("entry mismatch: %+v", e)
	}
}

func TestAppendDeduplicatesSPKI(t *testing.T) {
	dir := t.TempDir()
	s := bootstrap.New(filepath.Join(dir, "bootstrap.txt"))
	mac := wire.MAC{0x02, 0, 0, 0, 0, 1}

	idx1, err := s.Append(81, 6, mac, "SAMEKEY")
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	idx2, err := s.Append(81, 6, mac, "SAMEKEY")
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}
	if idx1 != idx2 {
		t.Fatalf("expected duplicate SPKI to reuse index: %d != %d", idx1, idx2)
	}

	entries, err := s.All()
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one entry after duplicate append, got %d", len(entries))
	}
}

func TestByIndexNotFound(t *testing.T) {
	dir := t.TempDir()
	s := bootstrap.New(filepath.Join(dir, "bootstrap.txt"))
	_, err := s.ByIndex(99)
	if !errors.Is(err, bootstrap.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestByChirpHashMatch(t *testing.T) {
	dir := t.TempDir()
	s := bootstrap.New(filepath.Join(dir, "bootstrap.txt"))
	mac := wire.MAC{0x02, 0, 0, 0, 0, 1}

	// A plausible DER-ish blob; only its length-1 prefix matters for the hash.
	der := []byte{0x30, 0x59, 0x30, 0x13, 0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01, 0x00}
	spkiB64 := base64.StdEncoding.EncodeToString(der)

	if _, err := s.Append(81, 6, mac, spkiB64); err != nil {
		t.Fatalf("Append: %v", err)
	}

	target := bootstrap.ChirpHash(der)
	e, err := s.ByChirpHash(target)
	if err != nil {
		t.Fatalf("ByChirpHash: %v", err)
	}
	if e.SPKIB64 != spkiB64 {
		t.Fatalf("got %q, want %q", e.SPKIB64, spkiB64)
	}
}

func TestByChirpHashNoMatch(t *testing.T) {
	dir := t.TempDir()
	s := bootstrap.New(filepath.Join(dir, "bootstrap.txt"))
	var unmatched [32]byte
	_, err := s.ByChirpHash(unmatched)
	if !errors.Is(err, bootstrap.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
