// Package base holds the messages exchanged between a randomness consumer
// and the oracle coordinator. They live here so the consumer service does
// not have to import the coordinator implementation.
package base

import (
	"crypto/sha256"
	"encoding/binary"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/network"
)

const UID string = "oracle"

func init() {
	network.RegisterMessages(&RandomnessRequest{}, &RandomnessReply{},
		&FulfillRequest{}, &FulfillReply{})
}

// RandomnessRequest asks the coordinator for one random word. Payment must
// match the coordinator's fee. Consumer and Service name the callback
// endpoint for the later fulfillment.
type RandomnessRequest struct {
	KeyHash  []byte
	Payment  uint64
	Consumer *network.ServerIdentity
	Service  string
}

// RandomnessReply acknowledges the request with its correlation id. The
// random word itself arrives later through the fulfillment callback.
type RandomnessReply struct {
	RequestID []byte
}

// Fulfillment is the asynchronous delivery of a requested random word.
// Value is the coordinator's signature over Msg(RequestID, Round, Prev);
// consumers hash it to obtain the random word.
type Fulfillment struct {
	RequestID []byte
	Round     uint64
	Prev      []byte
	Value     []byte
	Public    kyber.Point
}

type FulfillRequest struct {
	Fulfillment Fulfillment
}

type FulfillReply struct {
	Accepted bool
	Winner   string
}

// Msg binds a request id to its round so the signature authenticates the
// whole fulfillment.
func Msg(requestID []byte, round uint64, prev []byte) []byte {
	h := sha256.New()
	h.Write(requestID)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, round)
	h.Write(buf)
	h.Write(prev)
	return h.Sum(nil)
}

// RequestID derives the correlation id of the request served in the given
// round under the given key hash.
func RequestID(keyHash []byte, round uint64) []byte {
	h := sha256.New()
	h.Write(keyHash)
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, round)
	h.Write(buf)
	return h.Sum(nil)
}
