package oracle

import (
	"time"

	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&storage{}, &InitUnitRequest{}, &InitUnitReply{},
		&DeliverRequest{}, &DeliverReply{}, &InfoRequest{}, &InfoReply{})
}

// InitUnitRequest carries the construction-time configuration of the
// coordinator: the key hash it serves, the fee it charges, and whether it
// delivers fulfillments on its own after an artificial confirmation delay.
type InitUnitRequest struct {
	Roster       *onet.Roster
	KeyHash      []byte
	Fee          uint64
	AutoDeliver  bool
	DeliverDelay time.Duration
}

type InitUnitReply struct{}

// DeliverRequest triggers the delivery of a sealed fulfillment. Tests and
// operators use it to drive oracle latency explicitly.
type DeliverRequest struct {
	RequestID []byte
}

type DeliverReply struct{}

type InfoRequest struct{}

type InfoReply struct {
	Fee      uint64
	Earnings uint64
	Rounds   uint64
}
