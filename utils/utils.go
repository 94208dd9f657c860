package utils

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"io/ioutil"
	"os"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/schnorr"
	"go.dedis.ch/kyber/v3/util/encoding"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

func HashString(val string) []byte {
	h := sha256.New()
	h.Write([]byte(val))
	return h.Sum(nil)
}

func HashPoint(p kyber.Point) ([]byte, error) {
	buf, err := p.MarshalBinary()
	if err != nil {
		return nil, xerrors.Errorf("couldn't marshal point: %v", err)
	}
	h := sha256.New()
	h.Write(buf)
	return h.Sum(nil), nil
}

func HashUint64(val uint64) []byte {
	h := sha256.New()
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	h.Write(buf)
	return h.Sum(nil)
}

// HashBytes chains byte slices into a single digest. Used to bind request
// ids and round values together before signing.
func HashBytes(vals ...[]byte) []byte {
	h := sha256.New()
	for _, v := range vals {
		h.Write(v)
	}
	return h.Sum(nil)
}

// Address is the canonical string form of a participant's public key. It is
// what the game ledger stores in the player list.
func Address(p kyber.Point) (string, error) {
	addr, err := encoding.PointToStringHex(cothority.Suite, p)
	if err != nil {
		return "", xerrors.Errorf("couldn't encode point: %v", err)
	}
	return addr, nil
}

func AddressToPoint(addr string) (kyber.Point, error) {
	p, err := encoding.StringHexToPoint(cothority.Suite, addr)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode address: %v", err)
	}
	return p, nil
}

// SignHash produces a schnorr signature over msg with the given private key.
func SignHash(private kyber.Scalar, msg []byte) ([]byte, error) {
	sig, err := schnorr.Sign(cothority.Suite, private, msg)
	if err != nil {
		return nil, xerrors.Errorf("couldn't sign message: %v", err)
	}
	return sig, nil
}

func VerifyHash(public kyber.Point, msg []byte, sig []byte) error {
	return schnorr.Verify(cothority.Suite, public, msg, sig)
}

// GenerateParticipants creates fresh ed25519 keypairs for test and CLI
// participants.
func GenerateParticipants(count int) []*key.Pair {
	pairs := make([]*key.Pair, count)
	for i := 0; i < count; i++ {
		pairs[i] = key.NewKeyPair(cothority.Suite)
	}
	return pairs
}

func ReadRoster(path string) (*onet.Roster, error) {
	file, err := os.Open(path)
	if err != nil {
		log.Errorf("ReadRoster error: %v", err)
		return nil, err
	}
	defer file.Close()
	group, err := app.ReadGroupDescToml(file)
	if err != nil {
		log.Errorf("ReadRoster error: %v", err)
		return nil, err
	}
	if len(group.Roster.List) == 0 {
		return nil, xerrors.New("empty roster")
	}
	return group.Roster, nil
}

// SaveKeyPair writes a keypair as two hex lines: private scalar, then public
// point.
func SaveKeyPair(kp *key.Pair, path string) error {
	priv, err := encoding.ScalarToStringHex(cothority.Suite, kp.Private)
	if err != nil {
		return xerrors.Errorf("couldn't encode private key: %v", err)
	}
	pub, err := encoding.PointToStringHex(cothority.Suite, kp.Public)
	if err != nil {
		return xerrors.Errorf("couldn't encode public key: %v", err)
	}
	return ioutil.WriteFile(path, []byte(priv+"\n"+pub+"\n"), 0600)
}

func ReadKeyPair(path string) (*key.Pair, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("couldn't open key file: %v", err)
	}
	defer file.Close()
	sc := bufio.NewScanner(file)
	if !sc.Scan() {
		return nil, xerrors.New("missing private key line")
	}
	private, err := encoding.StringHexToScalar(cothority.Suite, sc.Text())
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode private key: %v", err)
	}
	if !sc.Scan() {
		return nil, xerrors.New("missing public key line")
	}
	public, err := encoding.StringHexToPoint(cothority.Suite, sc.Text())
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode public key: %v", err)
	}
	return &key.Pair{Private: private, Public: public}, nil
}
