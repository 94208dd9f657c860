package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/dedis/randwinner/lottery"
	"github.com/dedis/randwinner/oracle"
	"github.com/dedis/randwinner/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3/log"
	cli "gopkg.in/urfave/cli.v1"
)

var rosterFlag = cli.StringFlag{
	Name:  "roster, r",
	Usage: "group definition file of the conodes",
}

var keyFlag = cli.StringFlag{
	Name:  "key, k",
	Usage: "keypair file (see keygen)",
}

func main() {
	app := cli.NewApp()
	app.Name = "randwinner"
	app.Usage = "run and play the randomness-drawn lottery"
	app.Version = "0.1"
	app.Commands = []cli.Command{
		{
			Name:   "keygen",
			Usage:  "generate a participant keypair",
			Action: keygen,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "out, o", Usage: "output file"},
			},
		},
		{
			Name:   "setup",
			Usage:  "initialize the oracle and lottery units",
			Action: setup,
			Flags: []cli.Flag{
				rosterFlag,
				keyFlag,
				cli.Uint64Flag{Name: "oracle-fee", Value: 10},
				cli.StringFlag{Name: "vrf-key", Value: "vrf_key_hash",
					Usage: "label of the randomness key"},
				cli.StringFlag{Name: "treasury", Value: "treasury.db"},
				cli.BoolFlag{Name: "auto-deliver",
					Usage: "deliver fulfillments without an explicit call"},
				cli.DurationFlag{Name: "delay", Value: time.Second,
					Usage: "auto-delivery delay"},
			},
		},
		{
			Name:   "deposit",
			Usage:  "credit a participant account",
			Action: deposit,
			Flags: []cli.Flag{
				rosterFlag,
				keyFlag,
				cli.Uint64Flag{Name: "amount, a"},
			},
		},
		{
			Name:   "fund",
			Usage:  "top up the oracle fee balance",
			Action: fund,
			Flags: []cli.Flag{
				rosterFlag,
				cli.Uint64Flag{Name: "amount, a"},
			},
		},
		{
			Name:   "start",
			Usage:  "start a game (owner only)",
			Action: start,
			Flags: []cli.Flag{
				rosterFlag,
				keyFlag,
				cli.IntFlag{Name: "players, p", Value: 2},
				cli.Uint64Flag{Name: "fee, f", Value: 100},
			},
		},
		{
			Name:   "join",
			Usage:  "join the active game",
			Action: join,
			Flags: []cli.Flag{
				rosterFlag,
				keyFlag,
				cli.Uint64Flag{Name: "payment", Usage: "must equal the entry fee"},
			},
		},
		{
			Name:   "deliver",
			Usage:  "deliver a pending randomness fulfillment",
			Action: deliver,
			Flags: []cli.Flag{
				rosterFlag,
				cli.StringFlag{Name: "request", Usage: "hex request id"},
			},
		},
		{
			Name:   "game",
			Usage:  "show the current game",
			Action: game,
			Flags:  []cli.Flag{rosterFlag},
		},
		{
			Name:   "events",
			Usage:  "dump the event log",
			Action: events,
			Flags:  []cli.Flag{rosterFlag},
		},
		{
			Name:   "balance",
			Usage:  "show an account balance",
			Action: balance,
			Flags: []cli.Flag{
				rosterFlag,
				cli.StringFlag{Name: "address"},
			},
		},
	}
	log.ErrFatal(app.Run(os.Args))
}

func client(c *cli.Context) (*lottery.Client, error) {
	roster, err := utils.ReadRoster(c.String("roster"))
	if err != nil {
		return nil, err
	}
	return lottery.NewClient(roster), nil
}

func keygen(c *cli.Context) error {
	out := c.String("out")
	if out == "" {
		return cli.NewExitError("--out is required", 1)
	}
	kp := key.NewKeyPair(cothority.Suite)
	if err := utils.SaveKeyPair(kp, out); err != nil {
		return err
	}
	addr, err := utils.Address(kp.Public)
	if err != nil {
		return err
	}
	fmt.Println("address:", addr)
	return nil
}

func setup(c *cli.Context) error {
	roster, err := utils.ReadRoster(c.String("roster"))
	if err != nil {
		return err
	}
	owner, err := utils.ReadKeyPair(c.String("key"))
	if err != nil {
		return err
	}
	keyHash := utils.HashString(c.String("vrf-key"))
	fee := c.Uint64("oracle-fee")

	oracleCl := oracle.NewClient(roster)
	if _, err := oracleCl.InitUnit(keyHash, fee, c.Bool("auto-deliver"),
		c.Duration("delay")); err != nil {
		return fmt.Errorf("oracle init failed: %v", err)
	}
	cl := lottery.NewClient(roster)
	coordinator := roster.List[0]
	if _, err := cl.InitUnit(owner.Public, coordinator,
		oracle.Public(coordinator), fee, keyHash,
		c.String("treasury")); err != nil {
		return fmt.Errorf("lottery init failed: %v", err)
	}
	fmt.Println("units initialized, coordinator:", coordinator.Address)
	return nil
}

func deposit(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	kp, err := utils.ReadKeyPair(c.String("key"))
	if err != nil {
		return err
	}
	reply, err := cl.Deposit(kp, c.Uint64("amount"))
	if err != nil {
		return err
	}
	fmt.Println("balance:", reply.Balance)
	return nil
}

func fund(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	reply, err := cl.FundOracle(c.Uint64("amount"))
	if err != nil {
		return err
	}
	fmt.Println("oracle funds:", reply.Funds)
	return nil
}

func start(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	owner, err := utils.ReadKeyPair(c.String("key"))
	if err != nil {
		return err
	}
	reply, err := cl.StartGame(owner, c.Int("players"), c.Uint64("fee"))
	if err != nil {
		return err
	}
	fmt.Println("started game:", reply.GameID)
	return nil
}

func join(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	kp, err := utils.ReadKeyPair(c.String("key"))
	if err != nil {
		return err
	}
	reply, err := cl.JoinGame(kp, c.Uint64("payment"))
	if err != nil {
		return err
	}
	fmt.Println("players:", reply.Players)
	if reply.Filled {
		fmt.Println("game filled, request:", hex.EncodeToString(reply.RequestID))
	}
	return nil
}

func deliver(c *cli.Context) error {
	roster, err := utils.ReadRoster(c.String("roster"))
	if err != nil {
		return err
	}
	requestID, err := hex.DecodeString(c.String("request"))
	if err != nil {
		return fmt.Errorf("bad request id: %v", err)
	}
	if _, err := oracle.NewClient(roster).Deliver(requestID); err != nil {
		return err
	}
	fmt.Println("delivered")
	return nil
}

func game(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	g, err := cl.GetGame()
	if err != nil {
		return err
	}
	fmt.Println("status:", g.Status)
	if !g.Started && !g.Ended {
		return nil
	}
	fmt.Printf("game %d: fee %d, %d/%d players, pool %d\n",
		g.ID, g.EntryFee, len(g.Players), g.MaxPlayers, g.Pool)
	for _, p := range g.Players {
		fmt.Println("  player:", p)
	}
	if len(g.RequestID) > 0 {
		fmt.Println("request:", hex.EncodeToString(g.RequestID))
	}
	if g.Ended {
		fmt.Println("winner:", g.Winner)
	}
	return nil
}

func events(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	reply, err := cl.GetEvents()
	if err != nil {
		return err
	}
	for _, ev := range reply.Events {
		switch ev.Name {
		case lottery.EventGameStarted:
			fmt.Printf("%s game=%d players=%d fee=%d\n", ev.Name, ev.GameID,
				ev.MaxPlayers, ev.EntryFee)
		case lottery.EventPlayerJoined:
			fmt.Printf("%s game=%d player=%s\n", ev.Name, ev.GameID, ev.Player)
		case lottery.EventGameEnded:
			fmt.Printf("%s game=%d winner=%s amount=%d\n", ev.Name, ev.GameID,
				ev.Winner, ev.Amount)
		}
	}
	return nil
}

func balance(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	reply, err := cl.Balance(c.String("address"))
	if err != nil {
		return err
	}
	fmt.Println("balance:", reply.Balance)
	return nil
}
