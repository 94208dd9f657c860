package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/randwinner/lottery"
	"github.com/dedis/randwinner/oracle"
	"github.com/dedis/randwinner/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul/monitor"
	"golang.org/x/xerrors"
)

type SimulationService struct {
	onet.SimulationBFTree
	NumParticipants int
	EntryFee        uint64
	OracleFee       uint64
	DeliverDelay    int

	owner *key.Pair
}

func init() {
	onet.SimulationRegister("RandWinner", NewRandWinner)
}

func NewRandWinner(config string) (onet.Simulation, error) {
	ss := &SimulationService{}
	_, err := toml.Decode(config, ss)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (s *SimulationService) Setup(dir string,
	hosts []string) (*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.GetID())
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

func (s *SimulationService) initUnits(roster *onet.Roster) (*lottery.Client, error) {
	keyHash := utils.HashString("vrf_key_hash")
	delay := time.Duration(s.DeliverDelay) * time.Millisecond
	oracleCl := oracle.NewClient(roster)
	_, err := oracleCl.InitUnit(keyHash, s.OracleFee, true, delay)
	if err != nil {
		log.Errorf("initializing oracle unit: %v", err)
		return nil, err
	}
	cl := lottery.NewClient(roster)
	coordinator := roster.List[0]
	_, err = cl.InitUnit(s.owner.Public, coordinator,
		oracle.Public(coordinator), s.OracleFee, keyHash, "treasury.db")
	if err != nil {
		log.Errorf("initializing lottery unit: %v", err)
		return nil, err
	}
	_, err = cl.FundOracle(s.OracleFee * uint64(s.Rounds))
	if err != nil {
		log.Errorf("funding oracle balance: %v", err)
		return nil, err
	}
	return cl, nil
}

func (s *SimulationService) executeJoin(roster *onet.Roster, kp *key.Pair,
	idx int) error {
	cl := lottery.NewClient(roster)
	joinMonitor := monitor.NewTimeMeasure(fmt.Sprintf("p%d_join", idx))
	defer joinMonitor.Record()
	if _, err := cl.Deposit(kp, s.EntryFee); err != nil {
		log.Errorf("depositing for p%d: %v", idx, err)
		return err
	}
	if _, err := cl.JoinGame(kp, s.EntryFee); err != nil {
		log.Errorf("joining for p%d: %v", idx, err)
		return err
	}
	return nil
}

func (s *SimulationService) waitDraw(cl *lottery.Client) error {
	drawMonitor := monitor.NewTimeMeasure("draw")
	defer drawMonitor.Record()
	for i := 0; i < 200; i++ {
		g, err := cl.GetGame()
		if err != nil {
			return err
		}
		if g.Ended {
			log.Lvl2("winner:", g.Winner)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return xerrors.New("draw timed out")
}

func (s *SimulationService) runLottery(roster *onet.Roster) error {
	cl, err := s.initUnits(roster)
	if err != nil {
		return err
	}
	participants := utils.GenerateParticipants(s.NumParticipants)
	for round := 0; round < s.Rounds; round++ {
		startMonitor := monitor.NewTimeMeasure("start")
		_, err = cl.StartGame(s.owner, s.NumParticipants, s.EntryFee)
		if err != nil {
			log.Errorf("starting game: %v", err)
			return err
		}
		startMonitor.Record()

		// The last join triggers the randomness request, so all but one
		// can run concurrently.
		var wg sync.WaitGroup
		wg.Add(s.NumParticipants - 1)
		for i := 0; i < s.NumParticipants-1; i++ {
			go func(idx int) {
				defer wg.Done()
				if err := s.executeJoin(roster, participants[idx],
					idx); err != nil {
					log.Error(err)
				}
			}(i)
		}
		wg.Wait()
		last := s.NumParticipants - 1
		if err := s.executeJoin(roster, participants[last], last); err != nil {
			return err
		}
		if err := s.waitDraw(cl); err != nil {
			return err
		}
	}
	return nil
}

func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	s.owner = key.NewKeyPair(cothority.Suite)
	return s.runLottery(config.Roster)
}
