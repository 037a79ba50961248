package server

import (
	"strings"
	"testing"
)

func TestGenerateStateLengthAndAlphabet(t *testing.T) {
	for _, n := range []int{1, 16, DefaultStateLength, 100} {
		state, err := GenerateState(n)
		if err != nil {
			t.Fatalf("GenerateState(%d) returned error: %v", n, err)
		}
		if len(state) != n {
			t.Fatalf("GenerateState(%d) length = %d", n, len(state))
		}
		for _, c := range state {
			if !strings.ContainsRune(stateAlphabet, c) {
				t.Fatalf("GenerateState(%d) produced non-alphanumeric %q", n, c)
			}
		}
	}
}

func TestGenerateStateUnique(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		state, err := GenerateState(DefaultStateLength)
		if err != nil {
			t.Fatalf("GenerateState returned error: %v", err)
		}
		if _, dup := seen[state]; dup {
			t.Fatalf("duplicate state after %d draws: %s", i, state)
		}
		seen[state] = struct{}{}
	}
}

func TestGenerateStateRejectsNonPositiveLength(t *testing.T) {
	for _, n := range []int{0, -1} {
		if _, err := GenerateState(n); err == nil {
			t.Fatalf("expected error for length %d", n)
		}
	}
}

func TestRejectAboveIsMultipleOfAlphabet(t *testing.T) {
	if rejectAbove%len(stateAlphabet) != 0 || rejectAbove > 256 || 256-rejectAbove >= len(stateAlphabet) {
		t.Fatalf("rejectAbove %d is not the largest multiple of %d within a byte", rejectAbove, len(stateAlphabet))
	}
}
