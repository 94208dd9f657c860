package lottery

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dedis/randwinner/gameledger"
	"github.com/dedis/randwinner/oracle"
	"github.com/dedis/randwinner/oracle/base"
	"github.com/dedis/randwinner/treasury"
	"github.com/dedis/randwinner/utils"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func TestMain(m *testing.M) {
	log.MainTest(m)
}

type testEnv struct {
	local    *onet.LocalTest
	roster   *onet.Roster
	root     *Service
	cl       *Client
	oracleCl *oracle.Client
	owner    *key.Pair
	keyHash  []byte
}

func newTestEnv(t *testing.T, oracleFee uint64, autoDeliver bool) *testEnv {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, roster, _ := local.GenTree(3, true)
	t.Cleanup(local.CloseAll)

	env := &testEnv{
		local:   local,
		roster:  roster,
		root:    local.GetServices(hosts, serviceID)[0].(*Service),
		owner:   key.NewKeyPair(cothority.Suite),
		keyHash: utils.HashString("vrf_key_hash"),
	}
	env.oracleCl = oracle.NewClient(roster)
	_, err := env.oracleCl.InitUnit(env.keyHash, oracleFee, autoDeliver,
		50*time.Millisecond)
	require.NoError(t, err)

	env.cl = NewClient(roster)
	_, err = env.cl.InitUnit(env.owner.Public, roster.List[0],
		oracle.Public(roster.List[0]), oracleFee, env.keyHash,
		filepath.Join(t.TempDir(), "treasury.db"))
	require.NoError(t, err)
	return env
}

func addrOf(t *testing.T, kp *key.Pair) string {
	addr, err := utils.Address(kp.Public)
	require.NoError(t, err)
	return addr
}

func TestFullRound(t *testing.T) {
	env := newTestEnv(t, 10, false)
	_, err := env.cl.FundOracle(25)
	require.NoError(t, err)

	// Non-owner start creates nothing.
	outsider := key.NewKeyPair(cothority.Suite)
	_, err = env.cl.StartGame(outsider, 2, 100)
	require.Error(t, err)
	g, err := env.cl.GetGame()
	require.NoError(t, err)
	require.Equal(t, "not_started", g.Status)

	sr, err := env.cl.StartGame(env.owner, 2, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), sr.GameID)

	// Only one game at a time.
	_, err = env.cl.StartGame(env.owner, 3, 50)
	require.Error(t, err)

	players := utils.GenerateParticipants(2)
	dr, err := env.cl.Deposit(players[0], 200)
	require.NoError(t, err)
	require.Equal(t, uint64(200), dr.Balance)
	_, err = env.cl.Deposit(players[1], 150)
	require.NoError(t, err)

	// Wrong fee: rejected, nothing debited, nobody admitted.
	_, err = env.cl.JoinGame(players[0], 50)
	require.Error(t, err)
	g, err = env.cl.GetGame()
	require.NoError(t, err)
	require.Empty(t, g.Players)
	require.Equal(t, uint64(0), g.Pool)
	bal, err := env.cl.Balance(addrOf(t, players[0]))
	require.NoError(t, err)
	require.Equal(t, uint64(200), bal.Balance)

	jr, err := env.cl.JoinGame(players[0], 100)
	require.NoError(t, err)
	require.Equal(t, 1, jr.Players)
	require.False(t, jr.Filled)

	// Duplicate join.
	_, err = env.cl.JoinGame(players[0], 100)
	require.Error(t, err)

	// The second join fills the game and issues the request.
	jr, err = env.cl.JoinGame(players[1], 100)
	require.NoError(t, err)
	require.True(t, jr.Filled)
	require.Equal(t, base.RequestID(env.keyHash, 0), jr.RequestID)

	g, err = env.cl.GetGame()
	require.NoError(t, err)
	require.Equal(t, "drawing", g.Status)
	require.Len(t, g.Players, 2)
	require.Equal(t, uint64(200), g.Pool)
	require.False(t, g.Ended)

	info, err := env.cl.GetInfo()
	require.NoError(t, err)
	require.Equal(t, uint64(15), info.OracleFunds)

	// A full game accepts no more joins.
	late := key.NewKeyPair(cothority.Suite)
	_, err = env.cl.Deposit(late, 100)
	require.NoError(t, err)
	_, err = env.cl.JoinGame(late, 100)
	require.Error(t, err)

	_, err = env.oracleCl.Deliver(jr.RequestID)
	require.NoError(t, err)

	g, err = env.cl.GetGame()
	require.NoError(t, err)
	require.True(t, g.Ended)
	require.Equal(t, "completed", g.Status)
	require.Equal(t, uint64(0), g.Pool)
	addrs := []string{addrOf(t, players[0]), addrOf(t, players[1])}
	require.Contains(t, addrs, g.Winner)

	// Winner got the whole pool, loser only paid the fee.
	deposits := map[string]uint64{addrs[0]: 200, addrs[1]: 150}
	for _, addr := range addrs {
		bal, err := env.cl.Balance(addr)
		require.NoError(t, err)
		want := deposits[addr] - 100
		if addr == g.Winner {
			want += 200
		}
		require.Equal(t, want, bal.Balance)
	}

	ev, err := env.cl.GetEvents()
	require.NoError(t, err)
	require.Len(t, ev.Events, 4)
	require.Equal(t, EventGameStarted, ev.Events[0].Name)
	require.Equal(t, EventPlayerJoined, ev.Events[1].Name)
	require.Equal(t, EventPlayerJoined, ev.Events[2].Name)
	require.Equal(t, EventGameEnded, ev.Events[3].Name)
	require.Equal(t, uint64(200), ev.Events[3].Amount)
	require.Equal(t, g.Winner, ev.Events[3].Winner)

	// The aggregate is ready for the next round.
	sr, err = env.cl.StartGame(env.owner, 2, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(2), sr.GameID)
}

func TestAutoDeliveredRound(t *testing.T) {
	env := newTestEnv(t, 10, true)
	_, err := env.cl.FundOracle(10)
	require.NoError(t, err)
	_, err = env.cl.StartGame(env.owner, 2, 100)
	require.NoError(t, err)

	players := utils.GenerateParticipants(2)
	for _, p := range players {
		_, err = env.cl.Deposit(p, 100)
		require.NoError(t, err)
		_, err = env.cl.JoinGame(p, 100)
		require.NoError(t, err)
	}

	var g *GetGameReply
	for i := 0; i < 100; i++ {
		g, err = env.cl.GetGame()
		require.NoError(t, err)
		if g.Ended {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.True(t, g.Ended)
	require.Equal(t, uint64(0), g.Pool)
	require.NotEmpty(t, g.Winner)
}

// directEnv initializes the root service with a coordinator keypair the test
// controls, so fulfillments can be crafted deterministically.
func newDirectEnv(t *testing.T, oracleFunds uint64) (*testEnv, *key.Pair) {
	local := onet.NewTCPTest(cothority.Suite)
	hosts, roster, _ := local.GenTree(3, true)
	t.Cleanup(local.CloseAll)

	env := &testEnv{
		local:   local,
		roster:  roster,
		root:    local.GetServices(hosts, serviceID)[0].(*Service),
		owner:   key.NewKeyPair(cothority.Suite),
		keyHash: utils.HashString("vrf_key_hash"),
	}
	env.oracleCl = oracle.NewClient(roster)
	_, err := env.oracleCl.InitUnit(env.keyHash, 10, false, 0)
	require.NoError(t, err)

	coord := key.NewKeyPair(cothority.Suite)
	_, err = env.root.InitUnit(&InitUnitRequest{
		Roster:       roster,
		Owner:        env.owner.Public,
		Coordinator:  roster.List[0],
		CoordPublic:  coord.Public,
		OracleFee:    10,
		KeyHash:      env.keyHash,
		TreasuryPath: filepath.Join(t.TempDir(), "treasury.db"),
	})
	require.NoError(t, err)
	if oracleFunds > 0 {
		_, err = env.root.FundOracle(&FundOracleRequest{Amount: oracleFunds})
		require.NoError(t, err)
	}
	return env, coord
}

func (env *testEnv) startDirect(t *testing.T, maxPlayers int,
	entryFee uint64) {
	sig, err := utils.SignHash(env.owner.Private,
		StartGameMsg(maxPlayers, entryFee))
	require.NoError(t, err)
	_, err = env.root.StartGame(&StartGameRequest{MaxPlayers: maxPlayers,
		EntryFee: entryFee, Sig: sig})
	require.NoError(t, err)
}

func (env *testEnv) joinDirect(t *testing.T, kp *key.Pair,
	payment uint64) *JoinGameReply {
	ticket, err := NewTicket(kp)
	require.NoError(t, err)
	_, err = env.root.Deposit(&DepositRequest{Ticket: ticket,
		Amount: payment})
	require.NoError(t, err)
	reply, err := env.root.JoinGame(&JoinGameRequest{Ticket: ticket,
		Payment: payment})
	require.NoError(t, err)
	return reply
}

func signedFulfillment(t *testing.T, coord *key.Pair, requestID []byte,
	round uint64, prev []byte) base.Fulfillment {
	sig, err := schnorr.Sign(cothority.Suite, coord.Private,
		base.Msg(requestID, round, prev))
	require.NoError(t, err)
	return base.Fulfillment{
		RequestID: requestID,
		Round:     round,
		Prev:      prev,
		Value:     sig,
		Public:    coord.Public,
	}
}

func TestFulfillIntegrity(t *testing.T) {
	env, coord := newDirectEnv(t, 20)

	// Owner gate rejects a foreign signature before anything exists.
	outsider := key.NewKeyPair(cothority.Suite)
	badSig, err := utils.SignHash(outsider.Private, StartGameMsg(2, 100))
	require.NoError(t, err)
	_, err = env.root.StartGame(&StartGameRequest{MaxPlayers: 2,
		EntryFee: 100, Sig: badSig})
	require.Equal(t, ErrUnauthorized, err)
	require.Nil(t, env.root.ledger.Game())

	env.startDirect(t, 2, 100)
	players := utils.GenerateParticipants(2)
	env.joinDirect(t, players[0], 100)
	jr := env.joinDirect(t, players[1], 100)
	require.True(t, jr.Filled)
	reqID := jr.RequestID

	prev := utils.HashString("some_prev")

	// Spoofed fulfillment: right id, wrong signer.
	spoofed := signedFulfillment(t, outsider, reqID, 0, prev)
	_, err = env.root.Fulfill(&base.FulfillRequest{Fulfillment: spoofed})
	require.Equal(t, ErrUnauthorizedCaller, err)

	// Stale id, correctly signed: silent no-op.
	staleID := base.RequestID(env.keyHash, 99)
	stale := signedFulfillment(t, coord, staleID, 0, prev)
	reply, err := env.root.Fulfill(&base.FulfillRequest{Fulfillment: stale})
	require.NoError(t, err)
	require.False(t, reply.Accepted)
	g, err := env.root.GetGame(&GetGameRequest{})
	require.NoError(t, err)
	require.False(t, g.Ended)
	require.Empty(t, g.Winner)
	require.Equal(t, uint64(200), g.Pool)

	// Genuine fulfillment: winner is the deterministic pick.
	genuine := signedFulfillment(t, coord, reqID, 0, prev)
	expIdx := gameledger.PickWinner(gameledger.RandomWord(genuine.Value),
		g.Players)
	reply, err = env.root.Fulfill(&base.FulfillRequest{Fulfillment: genuine})
	require.NoError(t, err)
	require.True(t, reply.Accepted)
	require.Equal(t, g.Players[expIdx], reply.Winner)

	g, err = env.root.GetGame(&GetGameRequest{})
	require.NoError(t, err)
	require.True(t, g.Ended)
	require.Equal(t, uint64(0), g.Pool)

	// Replaying the fulfillment after completion is ignored.
	reply, err = env.root.Fulfill(&base.FulfillRequest{Fulfillment: genuine})
	require.NoError(t, err)
	require.False(t, reply.Accepted)
	bal, err := env.root.Balance(&BalanceRequest{Address: reply.Winner})
	require.NoError(t, err)
	require.Equal(t, uint64(200), bal.Balance)
}

func TestOracleFeeUnavailable(t *testing.T) {
	env, _ := newDirectEnv(t, 5)
	env.startDirect(t, 2, 100)
	players := utils.GenerateParticipants(2)
	env.joinDirect(t, players[0], 100)

	// The filling join aborts without admitting or debiting anybody.
	ticket, err := NewTicket(players[1])
	require.NoError(t, err)
	_, err = env.root.Deposit(&DepositRequest{Ticket: ticket, Amount: 100})
	require.NoError(t, err)
	_, err = env.root.JoinGame(&JoinGameRequest{Ticket: ticket, Payment: 100})
	require.Equal(t, ErrOracleFeeUnavailable, err)

	g, err := env.root.GetGame(&GetGameRequest{})
	require.NoError(t, err)
	require.Len(t, g.Players, 1)
	require.Equal(t, uint64(100), g.Pool)
	require.Empty(t, g.RequestID)

	// Refunding the balance unblocks the draw.
	_, err = env.root.FundOracle(&FundOracleRequest{Amount: 5})
	require.NoError(t, err)
	reply, err := env.root.JoinGame(&JoinGameRequest{Ticket: ticket,
		Payment: 100})
	require.NoError(t, err)
	require.True(t, reply.Filled)
}

// failingBook refuses payouts on demand while passing everything else to
// the real treasury.
type failingBook struct {
	Custody
	fail bool
}

func (f *failingBook) PayoutPool(gameID uint64, winner string) (*treasury.Receipt,
	error) {
	if f.fail {
		return nil, xerrors.New("transfer refused")
	}
	return f.Custody.PayoutPool(gameID, winner)
}

func TestPayoutRetry(t *testing.T) {
	env, coord := newDirectEnv(t, 10)
	env.startDirect(t, 2, 100)
	players := utils.GenerateParticipants(2)
	env.joinDirect(t, players[0], 100)
	jr := env.joinDirect(t, players[1], 100)

	book := &failingBook{Custody: env.root.book, fail: true}
	env.root.book = book

	prev := utils.HashString("prev")
	genuine := signedFulfillment(t, coord, jr.RequestID, 0, prev)
	_, err := env.root.Fulfill(&base.FulfillRequest{Fulfillment: genuine})
	require.Equal(t, ErrPayoutFailed, err)

	g, err := env.root.GetGame(&GetGameRequest{})
	require.NoError(t, err)
	require.False(t, g.Ended)
	require.Empty(t, g.Winner)
	require.Equal(t, uint64(200), g.Pool)
	drawn := env.root.ledger.Game().Drawn
	winner := g.Players[drawn]

	// A re-delivered fulfillment does not re-roll the winner and still
	// fails the transfer.
	_, err = env.root.Fulfill(&base.FulfillRequest{Fulfillment: genuine})
	require.Equal(t, ErrPayoutFailed, err)
	require.Equal(t, drawn, env.root.ledger.Game().Drawn)

	// Retry is owner-gated.
	outsider := key.NewKeyPair(cothority.Suite)
	badSig, err := utils.SignHash(outsider.Private, RetryMsg(1))
	require.NoError(t, err)
	_, err = env.root.RetryPayout(&RetryPayoutRequest{Sig: badSig})
	require.Equal(t, ErrUnauthorized, err)

	book.fail = false
	ownerSig, err := utils.SignHash(env.owner.Private, RetryMsg(1))
	require.NoError(t, err)
	rr, err := env.root.RetryPayout(&RetryPayoutRequest{Sig: ownerSig})
	require.NoError(t, err)
	require.Equal(t, winner, rr.Winner)
	require.Equal(t, uint64(200), rr.Amount)

	g, err = env.root.GetGame(&GetGameRequest{})
	require.NoError(t, err)
	require.True(t, g.Ended)
	require.Equal(t, winner, g.Winner)
	require.Equal(t, uint64(0), g.Pool)

	// No second payout path exists once the game ended.
	_, err = env.root.RetryPayout(&RetryPayoutRequest{Sig: ownerSig})
	require.Error(t, err)
	bal, err := env.root.Balance(&BalanceRequest{Address: winner})
	require.NoError(t, err)
	require.Equal(t, uint64(200), bal.Balance)
}

func TestInitUnitOnce(t *testing.T) {
	env, _ := newDirectEnv(t, 0)
	_, err := env.root.InitUnit(&InitUnitRequest{
		Roster:      env.roster,
		Owner:       env.owner.Public,
		Coordinator: env.roster.List[0],
		CoordPublic: env.owner.Public,
	})
	require.Error(t, err)
}
