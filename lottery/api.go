package lottery

import (
	"github.com/dedis/randwinner/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
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

func (c *Client) InitUnit(owner kyber.Point,
	coordinator *network.ServerIdentity, coordPublic kyber.Point,
	oracleFee uint64, keyHash []byte, treasuryPath string) (*InitUnitReply,
	error) {
	req := &InitUnitRequest{
		Roster:       c.roster,
		Owner:        owner,
		Coordinator:  coordinator,
		CoordPublic:  coordPublic,
		OracleFee:    oracleFee,
		KeyHash:      keyHash,
		TreasuryPath: treasuryPath,
	}
	reply := &InitUnitReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) Deposit(kp *key.Pair, amount uint64) (*DepositReply, error) {
	ticket, err := NewTicket(kp)
	if err != nil {
		return nil, err
	}
	reply := &DepositReply{}
	err = c.SendProtobuf(c.roster.List[0], &DepositRequest{Ticket: ticket,
		Amount: amount}, reply)
	return reply, err
}

func (c *Client) FundOracle(amount uint64) (*FundOracleReply, error) {
	reply := &FundOracleReply{}
	err := c.SendProtobuf(c.roster.List[0], &FundOracleRequest{
		Amount: amount}, reply)
	return reply, err
}

// StartGame signs the start order with the owner key and submits it.
func (c *Client) StartGame(owner *key.Pair, maxPlayers int,
	entryFee uint64) (*StartGameReply, error) {
	sig, err := utils.SignHash(owner.Private,
		StartGameMsg(maxPlayers, entryFee))
	if err != nil {
		return nil, err
	}
	req := &StartGameRequest{
		MaxPlayers: maxPlayers,
		EntryFee:   entryFee,
		Sig:        sig,
	}
	reply := &StartGameReply{}
	err = c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

func (c *Client) JoinGame(kp *key.Pair, payment uint64) (*JoinGameReply,
	error) {
	ticket, err := NewTicket(kp)
	if err != nil {
		return nil, err
	}
	reply := &JoinGameReply{}
	err = c.SendProtobuf(c.roster.List[0], &JoinGameRequest{Ticket: ticket,
		Payment: payment}, reply)
	return reply, err
}

func (c *Client) RetryPayout(owner *key.Pair, gameID uint64) (*RetryPayoutReply,
	error) {
	sig, err := utils.SignHash(owner.Private, RetryMsg(gameID))
	if err != nil {
		return nil, err
	}
	reply := &RetryPayoutReply{}
	err = c.SendProtobuf(c.roster.List[0], &RetryPayoutRequest{Sig: sig},
		reply)
	return reply, err
}

func (c *Client) GetGame() (*GetGameReply, error) {
	reply := &GetGameReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetGameRequest{}, reply)
	return reply, err
}

func (c *Client) GetInfo() (*GetInfoReply, error) {
	reply := &GetInfoReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetInfoRequest{}, reply)
	return reply, err
}

func (c *Client) Balance(addr string) (*BalanceReply, error) {
	reply := &BalanceReply{}
	err := c.SendProtobuf(c.roster.List[0], &BalanceRequest{Address: addr},
		reply)
	return reply, err
}

func (c *Client) GetEvents() (*GetEventsReply, error) {
	reply := &GetEventsReply{}
	err := c.SendProtobuf(c.roster.List[0], &GetEventsRequest{}, reply)
	return reply, err
}
