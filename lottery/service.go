package lottery

/*
The lottery service runs one game at a time. The owner starts a game,
participants join by paying the exact entry fee, and the join that reaches
the player cap issues the randomness request in the same step. The oracle
coordinator later calls back Fulfill; the service verifies the delivery,
picks the winner and pays out the whole pool. Every handler is an
indivisible step over the service state.
*/

import (
	"sync"

	"github.com/dedis/randwinner/gameledger"
	"github.com/dedis/randwinner/oracle"
	"github.com/dedis/randwinner/oracle/base"
	"github.com/dedis/randwinner/treasury"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

// ServiceName is the name of the lottery service.
const ServiceName = "RandWinner"

var serviceID onet.ServiceID
var storageKey = []byte("storage")

var (
	ErrUnauthorized         = xerrors.New("caller is not the owner")
	ErrOracleFeeUnavailable = xerrors.New("oracle fee balance is insufficient")
	ErrUnauthorizedCaller   = xerrors.New("fulfillment is not signed by the coordinator")
	ErrPayoutFailed         = xerrors.New("payout transfer failed")
)

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// Custody is the funds backend of the payout engine. *treasury.Book is the
// production implementation.
type Custody interface {
	Deposit(addr string, amount uint64) error
	Balance(addr string) (uint64, error)
	DebitToPool(gameID uint64, addr string, amount uint64) error
	Pool(gameID uint64) (uint64, error)
	PayoutPool(gameID uint64, winner string) (*treasury.Receipt, error)
	PayoutDone(gameID uint64) (bool, error)
	Close() error
}

type storage struct {
	Owner        kyber.Point
	Coordinator  *network.ServerIdentity
	CoordPublic  kyber.Point
	OracleFee    uint64
	KeyHash      []byte
	TreasuryPath string
	OracleFunds  uint64
	GameCount    uint64
	Game         *gameledger.Game
	Events       []Event
	sync.Mutex
}

// Service holds the internal state of the lottery unit.
type Service struct {
	*onet.ServiceProcessor
	storage *storage
	ledger  *gameledger.Ledger
	book    Custody
}

// InitUnit fixes the construction-time configuration. It can run only once:
// the owner is immutable afterwards.
func (s *Service) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.storage.Owner != nil {
		return nil, xerrors.New("unit already initialized")
	}
	if req.Owner == nil || req.Coordinator == nil || req.CoordPublic == nil {
		return nil, xerrors.New("missing owner or coordinator configuration")
	}
	book, err := treasury.Open(req.TreasuryPath)
	if err != nil {
		log.Errorf("Couldn't open treasury: %v", err)
		return nil, err
	}
	s.book = book
	s.storage.Owner = req.Owner
	s.storage.Coordinator = req.Coordinator
	s.storage.CoordPublic = req.CoordPublic
	s.storage.OracleFee = req.OracleFee
	s.storage.KeyHash = req.KeyHash
	s.storage.TreasuryPath = req.TreasuryPath
	return &InitUnitReply{}, s.saveLocked()
}

// Deposit credits a participant account.
func (s *Service) Deposit(req *DepositRequest) (*DepositReply, error) {
	addr, err := req.Ticket.Verify()
	if err != nil {
		return nil, err
	}
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.book == nil {
		return nil, xerrors.New("unit not initialized")
	}
	if err := s.book.Deposit(addr, req.Amount); err != nil {
		return nil, err
	}
	bal, err := s.book.Balance(addr)
	if err != nil {
		return nil, err
	}
	return &DepositReply{Balance: bal}, nil
}

// FundOracle tops up the balance the unit pays oracle fees from.
func (s *Service) FundOracle(req *FundOracleRequest) (*FundOracleReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.storage.Owner == nil {
		return nil, xerrors.New("unit not initialized")
	}
	s.storage.OracleFunds += req.Amount
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return &FundOracleReply{Funds: s.storage.OracleFunds}, nil
}

// StartGame allocates the next game instance. Owner-gated.
func (s *Service) StartGame(req *StartGameRequest) (*StartGameReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.storage.Owner == nil {
		return nil, xerrors.New("unit not initialized")
	}
	msg := StartGameMsg(req.MaxPlayers, req.EntryFee)
	if err := s.requireOwner(msg, req.Sig); err != nil {
		return nil, err
	}
	id := s.storage.GameCount + 1
	cfg := gameledger.Config{EntryFee: req.EntryFee,
		MaxPlayers: req.MaxPlayers}
	if _, err := s.ledger.StartGame(id, cfg); err != nil {
		return nil, err
	}
	s.storage.GameCount = id
	s.appendEvent(Event{
		Name:       EventGameStarted,
		GameID:     id,
		MaxPlayers: req.MaxPlayers,
		EntryFee:   req.EntryFee,
	})
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	log.Lvl2(s.ServerIdentity(), "started game", id)
	return &StartGameReply{GameID: id}, nil
}

// JoinGame admits a participant. The join that reaches the cap also issues
// the randomness request; everything fallible happens before the first
// mutation, so a rejected join changes nothing and keeps the payment.
func (s *Service) JoinGame(req *JoinGameRequest) (*JoinGameReply, error) {
	addr, err := req.Ticket.Verify()
	if err != nil {
		return nil, err
	}
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.book == nil {
		return nil, xerrors.New("unit not initialized")
	}
	filling, err := s.ledger.CanAdmit(addr, req.Payment)
	if err != nil {
		return nil, err
	}
	bal, err := s.book.Balance(addr)
	if err != nil {
		return nil, err
	}
	if bal < req.Payment {
		return nil, treasury.ErrInsufficientFunds
	}

	var requestID []byte
	if filling {
		if s.storage.OracleFunds < s.storage.OracleFee {
			return nil, ErrOracleFeeUnavailable
		}
		reply, err := s.requestRandomness()
		if err != nil {
			log.Errorf("Randomness request failed: %v", err)
			return nil, xerrors.Errorf("couldn't request randomness: %v", err)
		}
		requestID = reply.RequestID
		s.storage.OracleFunds -= s.storage.OracleFee
	}

	g := s.ledger.Game()
	if err := s.book.DebitToPool(g.ID, addr, req.Payment); err != nil {
		return nil, err
	}
	filled, err := s.ledger.Admit(addr, req.Payment)
	if err != nil {
		return nil, err
	}
	if filled {
		if err := s.ledger.RecordRequest(requestID); err != nil {
			return nil, err
		}
	}
	s.appendEvent(Event{Name: EventPlayerJoined, GameID: g.ID, Player: addr})
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	log.Lvl2(s.ServerIdentity(), "player", addr, "joined game", g.ID)
	return &JoinGameReply{
		Players:   len(g.Players),
		Filled:    filled,
		RequestID: requestID,
	}, nil
}

// Fulfill is the oracle coordinator's callback. A fulfillment that does not
// carry the coordinator's signature is rejected; one whose request id does
// not match the active game is ignored without touching any state.
func (s *Service) Fulfill(req *base.FulfillRequest) (*base.FulfillReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.storage.CoordPublic == nil {
		return nil, xerrors.New("unit not initialized")
	}
	f := req.Fulfillment
	msg := base.Msg(f.RequestID, f.Round, f.Prev)
	if err := schnorr.Verify(cothority.Suite, s.storage.CoordPublic, msg,
		f.Value); err != nil {
		log.Errorf("Spoofed fulfillment: %v", err)
		return nil, ErrUnauthorizedCaller
	}
	if !s.ledger.MatchesRequest(f.RequestID) {
		log.Lvl2(s.ServerIdentity(), "ignoring fulfillment for unknown request")
		return &base.FulfillReply{Accepted: false}, nil
	}

	g := s.ledger.Game()
	idx := g.Drawn
	if !g.PayoutAttempted {
		word := gameledger.RandomWord(f.Value)
		idx = gameledger.PickWinner(word, g.Players)
		if err := s.ledger.RecordDraw(idx); err != nil {
			return nil, err
		}
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	winner := g.Players[idx]
	rcpt, err := s.book.PayoutPool(g.ID, winner)
	if err != nil {
		// The draw stands; the transfer can be retried, it never repeats.
		log.Errorf("Payout failed for game %d: %v", g.ID, err)
		return nil, ErrPayoutFailed
	}
	if err := s.ledger.Finish(idx); err != nil {
		return nil, err
	}
	s.appendEvent(Event{
		Name:      EventGameEnded,
		GameID:    g.ID,
		Winner:    winner,
		Amount:    rcpt.Amount,
		RequestID: f.RequestID,
	})
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	log.Lvl2(s.ServerIdentity(), "game", g.ID, "won by", winner)
	return &base.FulfillReply{Accepted: true, Winner: winner}, nil
}

// RetryPayout re-drives the transfer after a failed payout. The treasury
// receipt guarantees the pool moves at most once.
func (s *Service) RetryPayout(req *RetryPayoutRequest) (*RetryPayoutReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.storage.Owner == nil {
		return nil, xerrors.New("unit not initialized")
	}
	g := s.ledger.Game()
	if g == nil || !g.PayoutAttempted || g.Ended {
		return nil, xerrors.New("no payout to retry")
	}
	if err := s.requireOwner(RetryMsg(g.ID), req.Sig); err != nil {
		return nil, err
	}
	winner := g.Players[g.Drawn]
	rcpt, err := s.book.PayoutPool(g.ID, winner)
	if err != nil {
		log.Errorf("Payout retry failed for game %d: %v", g.ID, err)
		return nil, ErrPayoutFailed
	}
	if err := s.ledger.Finish(g.Drawn); err != nil {
		return nil, err
	}
	s.appendEvent(Event{
		Name:      EventGameEnded,
		GameID:    g.ID,
		Winner:    rcpt.Winner,
		Amount:    rcpt.Amount,
		RequestID: g.RequestID,
	})
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return &RetryPayoutReply{Winner: rcpt.Winner, Amount: rcpt.Amount}, nil
}

// GetGame returns a snapshot of the current instance.
func (s *Service) GetGame(req *GetGameRequest) (*GetGameReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	reply := &GetGameReply{Status: s.ledger.Status().String()}
	g := s.ledger.Game()
	if g == nil {
		return reply, nil
	}
	reply.ID = g.ID
	reply.EntryFee = g.Config.EntryFee
	reply.MaxPlayers = g.Config.MaxPlayers
	reply.Started = g.Started
	reply.Ended = g.Ended
	reply.Players = append([]string{}, g.Players...)
	reply.Winner = g.Winner
	reply.RequestID = append([]byte{}, g.RequestID...)
	if s.book != nil {
		pool, err := s.book.Pool(g.ID)
		if err != nil {
			return nil, err
		}
		reply.Pool = pool
	}
	return reply, nil
}

func (s *Service) GetInfo(req *GetInfoRequest) (*GetInfoReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	return &GetInfoReply{
		Owner:       s.storage.Owner,
		Coordinator: s.storage.Coordinator,
		OracleFee:   s.storage.OracleFee,
		OracleFunds: s.storage.OracleFunds,
		KeyHash:     append([]byte{}, s.storage.KeyHash...),
		GameCount:   s.storage.GameCount,
	}, nil
}

func (s *Service) Balance(req *BalanceRequest) (*BalanceReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.book == nil {
		return nil, xerrors.New("unit not initialized")
	}
	bal, err := s.book.Balance(req.Address)
	if err != nil {
		return nil, err
	}
	return &BalanceReply{Balance: bal}, nil
}

func (s *Service) GetEvents(req *GetEventsRequest) (*GetEventsReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	return &GetEventsReply{
		Events: append([]Event{}, s.storage.Events...),
	}, nil
}

func (s *Service) requireOwner(msg, sig []byte) error {
	if err := schnorr.Verify(cothority.Suite, s.storage.Owner, msg,
		sig); err != nil {
		log.Errorf("Owner check failed: %v", err)
		return ErrUnauthorized
	}
	return nil
}

func (s *Service) requestRandomness() (*base.RandomnessReply, error) {
	cl := onet.NewClient(cothority.Suite, oracle.ServiceName)
	req := &base.RandomnessRequest{
		KeyHash:  s.storage.KeyHash,
		Payment:  s.storage.OracleFee,
		Consumer: s.ServerIdentity(),
		Service:  ServiceName,
	}
	reply := &base.RandomnessReply{}
	err := cl.SendProtobuf(s.storage.Coordinator, req, reply)
	return reply, err
}

func (s *Service) appendEvent(ev Event) {
	s.storage.Events = append(s.storage.Events, ev)
}

func (s *Service) saveLocked() error {
	s.storage.Game = s.ledger.Game()
	err := s.Save(storageKey, s.storage)
	if err != nil {
		log.Errorf("Couldn't save data: %v", err)
		return err
	}
	return nil
}

func (s *Service) tryLoad() error {
	s.storage = &storage{}
	msg, err := s.Load(storageKey)
	if err != nil {
		log.Errorf("Load storage failed: %v", err)
		return err
	}
	if msg != nil {
		var ok bool
		s.storage, ok = msg.(*storage)
		if !ok {
			return xerrors.New("store of wrong type")
		}
	}
	s.ledger = gameledger.Restore(s.storage.Game)
	if s.storage.TreasuryPath != "" {
		s.book, err = treasury.Open(s.storage.TreasuryPath)
		if err != nil {
			log.Errorf("Couldn't reopen treasury: %v", err)
			return err
		}
	}
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
	}
	err := s.RegisterHandlers(s.InitUnit, s.Deposit, s.FundOracle,
		s.StartGame, s.JoinGame, s.Fulfill, s.RetryPayout, s.GetGame,
		s.GetInfo, s.GetEvents, s.Balance)
	if err != nil {
		log.Errorf("Couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
