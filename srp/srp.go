// Package srp implements the client side of SRP-6a over the 3072-bit
// RFC 5054 group with SHA-512, the parameterisation used by the
// pair-setup handshake.
package srp

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"math/big"
)

// RFC 5054 3072-bit group (the RFC 3526 3072-bit MODP prime), g = 5.
const groupPrimeHex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
	"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
	"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
	"E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7ED" +
	"EE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B3D" +
	"C2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F" +
	"83655D23DCA3AD961C62F356208552BB9ED529077096966D" +
	"670C354E4ABC9804F1746C08CA18217C32905E462E36CE3B" +
	"E39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9" +
	"DE2BCBF6955817183995497CEA956AE515D2261898FA0510" +
	"15728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64" +
	"ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7" +
	"ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6B" +
	"F12FFA06D98A0864D87602733EC86A64521F2B18177B200C" +
	"BBE117577A615D6C770988C0BAD946E208E24FA074E5AB31" +
	"43DB5BFCE0FD108E4B82D120A93AD2CAFFFFFFFFFFFFFFFF"

var (
	groupN = mustParseHex(groupPrimeHex)
	groupG = big.NewInt(5)

	// byteLen is the group prime width; values are padded to it where
	// the proof construction requires.
	byteLen = len(groupN.Bytes())
)

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("srp: bad group prime constant")
	}
	return n
}

// pad left-pads v's big-endian bytes to the group width.
func pad(v *big.Int) []byte {
	b := v.Bytes()
	if len(b) >= byteLen {
		return b
	}
	out := make([]byte, byteLen)
	copy(out[byteLen-len(b):], b)
	return out
}

func hash(parts ...[]byte) []byte {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// Client holds one side's state across the handshake: the ephemeral
// secret before Complete, the session key and proofs after.
type Client struct {
	username string
	password string

	a *big.Int // ephemeral secret
	A *big.Int // ephemeral public, g^a mod N

	key         []byte // session key K = H(S)
	proof       []byte // M1
	serverProof []byte // expected M2 = H(A | M1 | K)
}

// NewClient creates a client with a fresh ephemeral secret. The
// username is fixed to "Pair-Setup" by the handshake; the password is
// the device-displayed PIN.
func NewClient(username, password string) (*Client, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate ephemeral secret: %w", err)
	}
	a := new(big.Int).SetBytes(raw)
	clear(raw)
	return &Client{
		username: username,
		password: password,
		a:        a,
		A:        new(big.Int).Exp(groupG, a, groupN),
	}, nil
}

// PublicKey returns A padded to the group width.
func (c *Client) PublicKey() []byte {
	return pad(c.A)
}

// Complete consumes the server's salt and public value B, derives the
// session key, and precomputes both proofs. It fails if B mod N is zero
// or the scrambling parameter collapses (SRP-6a safety checks).
func (c *Client) Complete(salt, serverPublic []byte) error {
	B := new(big.Int).SetBytes(serverPublic)
	if new(big.Int).Mod(B, groupN).Sign() == 0 {
		return fmt.Errorf("server public value is zero mod N")
	}

	u := new(big.Int).SetBytes(hash(pad(c.A), pad(B)))
	if u.Sign() == 0 {
		return fmt.Errorf("scrambling parameter is zero")
	}

	// x = H(salt | H(username ":" password))
	inner := hash([]byte(c.username + ":" + c.password))
	x := new(big.Int).SetBytes(hash(salt, inner))

	// k = H(N | pad(g))
	k := new(big.Int).SetBytes(hash(groupN.Bytes(), pad(groupG)))

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(groupG, x, groupN)
	kgx := new(big.Int).Mul(k, gx)
	base := new(big.Int).Sub(B, kgx)
	base.Mod(base, groupN)
	exp := new(big.Int).Add(c.a, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, groupN)

	c.key = hash(S.Bytes())

	// M1 = H(H(N) xor H(g) | H(username) | salt | A | B | K)
	hN := hash(groupN.Bytes())
	hg := hash(groupG.Bytes())
	group := make([]byte, len(hN))
	for i := range group {
		group[i] = hN[i] ^ hg[i]
	}
	c.proof = hash(group, hash([]byte(c.username)), salt, c.A.Bytes(), B.Bytes(), c.key)
	c.serverProof = hash(c.A.Bytes(), c.proof, c.key)

	// The ephemeral secret is spent.
	c.a.SetInt64(0)
	return nil
}

// Proof returns M1. Valid after Complete.
func (c *Client) Proof() []byte {
	return c.proof
}

// VerifyServerProof checks the server's M2 in constant time.
func (c *Client) VerifyServerProof(m2 []byte) error {
	if c.serverProof == nil {
		return fmt.Errorf("handshake not completed")
	}
	if subtle.ConstantTimeCompare(m2, c.serverProof) != 1 {
		return fmt.Errorf("server proof mismatch")
	}
	return nil
}

// SessionKey returns K, the input keying material for the HKDF steps
// that follow the handshake. Valid after Complete.
func (c *Client) SessionKey() []byte {
	return c.key
}
