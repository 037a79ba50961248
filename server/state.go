package server

import (
	"crypto/rand"
	"errors"
	"fmt"
)

const stateAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// rejectAbove is the largest multiple of len(stateAlphabet) that fits in a
// byte; bytes at or above it are discarded to keep the draw uniform.
const rejectAbove = 256 - 256%len(stateAlphabet)

// GenerateState returns an alphanumeric CSRF state of the given length drawn
// from crypto/rand.
func GenerateState(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("state length must be positive")
	}
	out := make([]byte, 0, length)
	buf := make([]byte, length+length/4+8)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= rejectAbove {
				continue
			}
			out = append(out, stateAlphabet[int(b)%len(stateAlphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
