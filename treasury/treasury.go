// Package treasury keeps custody of entry fees. Accounts hold participant
// funds, pools hold the per-game stake, and receipts record completed
// payouts so a retried payout can never move funds twice.
package treasury

import (
	"encoding/binary"

	"go.dedis.ch/protobuf"
	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var ErrInsufficientFunds = xerrors.New("insufficient funds")

var (
	accountsBucket = []byte("accounts")
	poolsBucket    = []byte("pools")
	receiptsBucket = []byte("receipts")
)

// Receipt is the durable record of a completed payout.
type Receipt struct {
	Winner string
	Amount uint64
}

type Book struct {
	db *bbolt.DB
}

func Open(path string) (*Book, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("couldn't open treasury db: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{accountsBucket, poolsBucket,
			receiptsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("couldn't create buckets: %v", err)
	}
	return &Book{db: db}, nil
}

func (b *Book) Close() error {
	return b.db.Close()
}

func (b *Book) Deposit(addr string, amount uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		acc := tx.Bucket(accountsBucket)
		bal := getUint64(acc, []byte(addr))
		return acc.Put([]byte(addr), putUint64(bal+amount))
	})
}

func (b *Book) Balance(addr string) (uint64, error) {
	var bal uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		bal = getUint64(tx.Bucket(accountsBucket), []byte(addr))
		return nil
	})
	return bal, err
}

// DebitToPool moves an entry fee from a participant account into the game's
// pool in one transaction.
func (b *Book) DebitToPool(gameID uint64, addr string, amount uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		acc := tx.Bucket(accountsBucket)
		bal := getUint64(acc, []byte(addr))
		if bal < amount {
			return ErrInsufficientFunds
		}
		if err := acc.Put([]byte(addr), putUint64(bal-amount)); err != nil {
			return err
		}
		pools := tx.Bucket(poolsBucket)
		pool := getUint64(pools, putUint64(gameID))
		return pools.Put(putUint64(gameID), putUint64(pool+amount))
	})
}

func (b *Book) Pool(gameID uint64) (uint64, error) {
	var pool uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		pool = getUint64(tx.Bucket(poolsBucket), putUint64(gameID))
		return nil
	})
	return pool, err
}

// PayoutPool transfers the entire pool of a game to the winner, zeroes the
// pool and writes the receipt, all in one transaction. Calling it again for
// the same game is a no-op that returns the recorded receipt.
func (b *Book) PayoutPool(gameID uint64, winner string) (*Receipt, error) {
	rcpt := &Receipt{Winner: winner}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		receipts := tx.Bucket(receiptsBucket)
		if prev := receipts.Get(putUint64(gameID)); prev != nil {
			return protobuf.Decode(prev, rcpt)
		}
		pools := tx.Bucket(poolsBucket)
		pool := getUint64(pools, putUint64(gameID))
		if err := pools.Put(putUint64(gameID), putUint64(0)); err != nil {
			return err
		}
		acc := tx.Bucket(accountsBucket)
		bal := getUint64(acc, []byte(winner))
		if err := acc.Put([]byte(winner), putUint64(bal+pool)); err != nil {
			return err
		}
		rcpt.Amount = pool
		val, err := protobuf.Encode(rcpt)
		if err != nil {
			return err
		}
		return receipts.Put(putUint64(gameID), val)
	})
	if err != nil {
		return nil, xerrors.Errorf("couldn't pay out pool: %v", err)
	}
	return rcpt, nil
}

// PayoutDone reports whether the pool of a game has already been paid.
func (b *Book) PayoutDone(gameID uint64) (bool, error) {
	var done bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		done = tx.Bucket(receiptsBucket).Get(putUint64(gameID)) != nil
		return nil
	})
	return done, err
}

func getUint64(bkt *bbolt.Bucket, key []byte) uint64 {
	buf := bkt.Get(key)
	if buf == nil {
		return 0
	}
	return binary.BigEndian.Uint64(buf)
}

func putUint64(val uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return buf
}
