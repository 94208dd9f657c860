package oracle

import (
	"time"

	"github.com/dedis/randwinner/oracle/base"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

type Client struct {
	*onet.Client
	roster *onet.Roster
}

func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName),
		roster: r}
}

func (c *Client) InitUnit(keyHash []byte, fee uint64, autoDeliver bool,
	delay time.Duration) (*InitUnitReply, error) {
	req := &InitUnitRequest{
		Roster:       c.roster,
		KeyHash:      keyHash,
		Fee:          fee,
		AutoDeliver:  autoDeliver,
		DeliverDelay: delay,
	}
	reply := &InitUnitReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) Request(keyHash []byte, payment uint64,
	consumer *network.ServerIdentity, service string) (*base.RandomnessReply,
	error) {
	req := &base.RandomnessRequest{
		KeyHash:  keyHash,
		Payment:  payment,
		Consumer: consumer,
		Service:  service,
	}
	reply := &base.RandomnessReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) Deliver(requestID []byte) (*DeliverReply, error) {
	reply := &DeliverReply{}
	err := c.SendProtobuf(c.roster.List[0], &DeliverRequest{
		RequestID: requestID}, reply)
	return reply, err
}

func (c *Client) Info() (*InfoReply, error) {
	reply := &InfoReply{}
	err := c.SendProtobuf(c.roster.List[0], &InfoRequest{}, reply)
	return reply, err
}

// Public returns the service public key a coordinator node signs
// fulfillments with. Consumers pin it at construction time.
func Public(si *network.ServerIdentity) kyber.Point {
	return si.ServicePublic(ServiceName)
}
