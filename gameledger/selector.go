package gameledger

import (
	"crypto/sha256"
	"encoding/binary"
)

// RandomWord derives the random word from a delivered fulfillment value.
// The value is a signature, so it is hashed before use.
func RandomWord(value []byte) uint64 {
	h := sha256.New()
	h.Write(value)
	return binary.LittleEndian.Uint64(h.Sum(nil))
}

// PickWinner maps a random word onto the player list. Deterministic: the
// same word and list always yield the same index, always in range.
func PickWinner(randomWord uint64, players []string) int {
	return int(randomWord % uint64(len(players)))
}
