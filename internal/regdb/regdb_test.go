package regdb_test

import (
	"errors"
	"testing"

	"github.com/ekmixon/dpp/internal/regdb"
)

func TestFrequencyKnownChannel(t *testing.T) {
	freq, err := regdb.Frequency(81, 11)
	if err != nil {
		t.Fatalf("Frequency: %v", err)
	}
	if freq != 2462 {
		t.Fatalf("got %d, want 2462", freq)
	}
}

func TestFrequencyUnknownChannel(t *testing.T) {
	_, err := regdb.Frequency(81, 200)
	var notFound *regdb.ErrNoSuchChannel
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNoSuchChannel, got %v", err)
	}
}
