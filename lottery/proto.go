package lottery

import (
	"github.com/dedis/randwinner/utils"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

func init() {
	network.RegisterMessages(&storage{}, &InitUnitRequest{}, &InitUnitReply{},
		&DepositRequest{}, &DepositReply{}, &FundOracleRequest{},
		&FundOracleReply{}, &StartGameRequest{}, &StartGameReply{},
		&JoinGameRequest{}, &JoinGameReply{}, &RetryPayoutRequest{},
		&RetryPayoutReply{}, &GetGameRequest{}, &GetGameReply{},
		&GetInfoRequest{}, &GetInfoReply{}, &GetEventsRequest{},
		&GetEventsReply{}, &BalanceRequest{}, &BalanceReply{})
}

// Ticket authenticates a participant: Sig is a schnorr signature by Key
// over the hash of Key itself.
type Ticket struct {
	Key kyber.Point
	Sig []byte
}

// NewTicket signs a fresh ticket for the given keypair.
func NewTicket(kp *key.Pair) (Ticket, error) {
	pkHash, err := utils.HashPoint(kp.Public)
	if err != nil {
		return Ticket{}, err
	}
	sig, err := utils.SignHash(kp.Private, pkHash)
	if err != nil {
		return Ticket{}, err
	}
	return Ticket{Key: kp.Public, Sig: sig}, nil
}

// Verify checks the ticket signature and returns the sender's address.
func (t Ticket) Verify() (string, error) {
	pkHash, err := utils.HashPoint(t.Key)
	if err != nil {
		return "", err
	}
	if err := utils.VerifyHash(t.Key, pkHash, t.Sig); err != nil {
		return "", xerrors.Errorf("couldn't verify ticket: %v", err)
	}
	return utils.Address(t.Key)
}

// InitUnitRequest is the construction-time configuration: the owner key,
// the oracle coordinator endpoint and public key, the oracle fee, the key
// hash, and the path of the treasury database. Supplied once by the
// deployment tool.
type InitUnitRequest struct {
	Roster       *onet.Roster
	Owner        kyber.Point
	Coordinator  *network.ServerIdentity
	CoordPublic  kyber.Point
	OracleFee    uint64
	KeyHash      []byte
	TreasuryPath string
}

type InitUnitReply struct{}

// DepositRequest credits a participant account so it can pay entry fees.
type DepositRequest struct {
	Ticket Ticket
	Amount uint64
}

type DepositReply struct {
	Balance uint64
}

// FundOracleRequest tops up the pre-funded balance the unit pays oracle
// fees from. Anyone may fund it.
type FundOracleRequest struct {
	Amount uint64
}

type FundOracleReply struct {
	Funds uint64
}

// StartGameRequest is owner-gated: Sig must be the owner's signature over
// StartGameMsg(MaxPlayers, EntryFee).
type StartGameRequest struct {
	MaxPlayers int
	EntryFee   uint64
	Sig        []byte
}

type StartGameReply struct {
	GameID uint64
}

type JoinGameRequest struct {
	Ticket  Ticket
	Payment uint64
}

type JoinGameReply struct {
	Players int
	Filled  bool
	// RequestID is set when this join filled the game and triggered the
	// randomness request.
	RequestID []byte
}

// RetryPayoutRequest re-drives a payout that failed after the draw. Owner
// gated; Sig is over RetryMsg(game id).
type RetryPayoutRequest struct {
	Sig []byte
}

type RetryPayoutReply struct {
	Winner string
	Amount uint64
}

type GetGameRequest struct{}

type GetGameReply struct {
	ID         uint64
	EntryFee   uint64
	MaxPlayers int
	Started    bool
	Ended      bool
	Status     string
	Players    []string
	Winner     string
	Pool       uint64
	RequestID  []byte
}

type GetInfoRequest struct{}

type GetInfoReply struct {
	Owner       kyber.Point
	Coordinator *network.ServerIdentity
	OracleFee   uint64
	OracleFunds uint64
	KeyHash     []byte
	GameCount   uint64
}

// BalanceRequest reads any account balance. Balances are public state,
// like on a chain, so no ticket is required.
type BalanceRequest struct {
	Address string
}

type BalanceReply struct {
	Balance uint64
}

type GetEventsRequest struct{}

type GetEventsReply struct {
	Events []Event
}

// Event names mirror what the original game surface exposes to indexers.
const (
	EventGameStarted  = "GameStarted"
	EventPlayerJoined = "PlayerJoined"
	EventGameEnded    = "GameEnded"
)

type Event struct {
	Name       string
	GameID     uint64
	Player     string
	Winner     string
	Amount     uint64
	MaxPlayers int
	EntryFee   uint64
	RequestID  []byte
}

// StartGameMsg is the hash an owner signs to authorize a start.
func StartGameMsg(maxPlayers int, entryFee uint64) []byte {
	return utils.HashBytes([]byte("start_game"),
		utils.HashUint64(uint64(maxPlayers)), utils.HashUint64(entryFee))
}

// RetryMsg is the hash an owner signs to authorize a payout retry.
func RetryMsg(gameID uint64) []byte {
	return utils.HashBytes([]byte("retry_payout"), utils.HashUint64(gameID))
}
