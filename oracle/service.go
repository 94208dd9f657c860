package oracle

/*
The oracle coordinator serves randomness requests in two phases: Request
seals a signed random word bound to a fresh request id and returns the id
right away; the fulfillment reaches the consumer later, either after the
configured confirmation delay or when Deliver is called. Each request is
delivered at most once. There is no retry.
*/

import (
	"bytes"
	"encoding/hex"
	"sync"
	"time"

	"github.com/dedis/randwinner/oracle/base"
	"github.com/dedis/randwinner/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/network"
	"golang.org/x/xerrors"
)

// ServiceName is the name of the oracle coordinator service.
const ServiceName = "RandOracle"

const genesisMsg = "oracle_genesis"

var serviceID onet.ServiceID
var storageKey = []byte("storage")

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	if err != nil {
		panic(err)
	}
}

// PendingDelivery is a sealed fulfillment waiting for its confirmation
// delay.
type PendingDelivery struct {
	Fulfillment base.Fulfillment
	Consumer    *network.ServerIdentity
	Service     string
	Delivered   bool
}

type storage struct {
	KeyHash      []byte
	Fee          uint64
	AutoDeliver  bool
	DeliverDelay time.Duration
	Rounds       [][]byte
	Pending      map[string]*PendingDelivery
	Earnings     uint64
	sync.Mutex
}

// Oracle holds the internal state of the coordinator service.
type Oracle struct {
	*onet.ServiceProcessor
	storage *storage
}

func (s *Oracle) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	if s.storage.KeyHash != nil {
		return nil, xerrors.New("unit already initialized")
	}
	if len(req.KeyHash) == 0 {
		return nil, xerrors.New("missing key hash")
	}
	s.storage.KeyHash = req.KeyHash
	s.storage.Fee = req.Fee
	s.storage.AutoDeliver = req.AutoDeliver
	s.storage.DeliverDelay = req.DeliverDelay
	return &InitUnitReply{}, s.saveLocked()
}

// Request seals the next round and returns its request id. The fulfillment
// is delivered asynchronously.
func (s *Oracle) Request(req *base.RandomnessRequest) (*base.RandomnessReply,
	error) {
	s.storage.Lock()
	if s.storage.KeyHash == nil {
		s.storage.Unlock()
		return nil, xerrors.New("unit not initialized")
	}
	if !bytes.Equal(req.KeyHash, s.storage.KeyHash) {
		s.storage.Unlock()
		return nil, xerrors.New("unknown key hash")
	}
	if req.Payment != s.storage.Fee {
		s.storage.Unlock()
		return nil, xerrors.Errorf("incorrect oracle fee: got %d, want %d",
			req.Payment, s.storage.Fee)
	}
	if req.Consumer == nil || req.Service == "" {
		s.storage.Unlock()
		return nil, xerrors.New("missing callback endpoint")
	}

	round := uint64(len(s.storage.Rounds))
	prev := s.prevLocked()
	id := base.RequestID(s.storage.KeyHash, round)
	kp := s.getKeyPair()
	sig, err := schnorr.Sign(cothority.Suite, kp.Private,
		base.Msg(id, round, prev))
	if err != nil {
		s.storage.Unlock()
		log.Errorf("Couldn't sign round: %v", err)
		return nil, xerrors.Errorf("couldn't sign round: %v", err)
	}
	s.storage.Rounds = append(s.storage.Rounds, sig)
	s.storage.Earnings += req.Payment
	s.storage.Pending[requestKey(id)] = &PendingDelivery{
		Fulfillment: base.Fulfillment{
			RequestID: id,
			Round:     round,
			Prev:      prev,
			Value:     sig,
			Public:    kp.Public,
		},
		Consumer: req.Consumer,
		Service:  req.Service,
	}
	auto := s.storage.AutoDeliver
	delay := s.storage.DeliverDelay
	s.storage.Unlock()
	if err := s.save(); err != nil {
		return nil, err
	}

	if auto {
		go func() {
			time.Sleep(delay)
			if err := s.deliver(id); err != nil {
				log.Errorf("Delivery failed: %v", err)
			}
		}()
	}
	log.Lvl2(s.ServerIdentity(), "sealed randomness request", round)
	return &base.RandomnessReply{RequestID: id}, nil
}

// Deliver pushes a sealed fulfillment to its consumer.
func (s *Oracle) Deliver(req *DeliverRequest) (*DeliverReply, error) {
	if err := s.deliver(req.RequestID); err != nil {
		return nil, err
	}
	return &DeliverReply{}, nil
}

func (s *Oracle) Info(req *InfoRequest) (*InfoReply, error) {
	s.storage.Lock()
	defer s.storage.Unlock()
	return &InfoReply{
		Fee:      s.storage.Fee,
		Earnings: s.storage.Earnings,
		Rounds:   uint64(len(s.storage.Rounds)),
	}, nil
}

func requestKey(requestID []byte) string {
	return hex.EncodeToString(requestID)
}

func (s *Oracle) deliver(requestID []byte) error {
	idHex := requestKey(requestID)
	s.storage.Lock()
	p, ok := s.storage.Pending[idHex]
	if !ok {
		s.storage.Unlock()
		return xerrors.New("no pending delivery for this request")
	}
	if p.Delivered {
		s.storage.Unlock()
		return xerrors.New("fulfillment already delivered")
	}
	p.Delivered = true
	s.storage.Unlock()
	if err := s.save(); err != nil {
		return err
	}

	cl := onet.NewClient(cothority.Suite, p.Service)
	reply := &base.FulfillReply{}
	err := cl.SendProtobuf(p.Consumer, &base.FulfillRequest{
		Fulfillment: p.Fulfillment}, reply)
	if err != nil {
		log.Errorf("Couldn't deliver fulfillment: %v", err)
		return xerrors.Errorf("couldn't deliver fulfillment: %v", err)
	}
	log.Lvl2(s.ServerIdentity(), "delivered round", p.Fulfillment.Round,
		"accepted:", reply.Accepted)
	return nil
}

func (s *Oracle) prevLocked() []byte {
	if len(s.storage.Rounds) == 0 {
		return utils.HashString(genesisMsg)
	}
	return s.storage.Rounds[len(s.storage.Rounds)-1]
}

func (s *Oracle) getKeyPair() *key.Pair {
	return &key.Pair{
		Public:  s.ServerIdentity().ServicePublic(ServiceName),
		Private: s.ServerIdentity().ServicePrivate(ServiceName),
	}
}

func (s *Oracle) save() error {
	s.storage.Lock()
	defer s.storage.Unlock()
	return s.saveLocked()
}

func (s *Oracle) saveLocked() error {
	err := s.Save(storageKey, s.storage)
	if err != nil {
		log.Errorf("Couldn't save data: %v", err)
		return err
	}
	return nil
}

func (s *Oracle) tryLoad() error {
	s.storage = &storage{}
	defer func() {
		if s.storage.Pending == nil {
			s.storage.Pending = make(map[string]*PendingDelivery)
		}
	}()
	msg, err := s.Load(storageKey)
	if err != nil {
		log.Errorf("Load storage failed: %v", err)
		return err
	}
	if msg == nil {
		return nil
	}
	var ok bool
	s.storage, ok = msg.(*storage)
	if !ok {
		return xerrors.New("store of wrong type")
	}
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Oracle{
		ServiceProcessor: onet.NewServiceProcessor(c),
	}
	err := s.RegisterHandlers(s.InitUnit, s.Request, s.Deliver, s.Info)
	if err != nil {
		log.Errorf("Couldn't register handlers: %v", err)
		return nil, err
	}
	if err := s.tryLoad(); err != nil {
		return nil, err
	}
	return s, nil
}
