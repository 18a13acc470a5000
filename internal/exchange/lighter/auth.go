package lighter

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Auth mints the venue's short-lived private-channel tokens: a signed
// (account index, deadline) message over secp256k1. Tokens are bound to
// connection identity on the venue side, so callers must mint a fresh
// one for every reconnect regardless of remaining TTL.
type Auth struct {
	key          *ecdsa.PrivateKey
	accountIndex int64
	apiKeyIndex  int64
}

// NewAuth parses the hex-encoded private key.
func NewAuth(privateKeyHex string, accountIndex, apiKeyIndex int64) (*Auth, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Auth{key: key, accountIndex: accountIndex, apiKeyIndex: apiKeyIndex}, nil
}

// Token signs an auth token valid until deadline.
func (a *Auth) Token(deadline time.Time) (string, error) {
	if deadline.Before(time.Now()) {
		return "", fmt.Errorf("token deadline %s already passed", deadline)
	}

	msg := fmt.Sprintf("%d:%d:%d", a.accountIndex, a.apiKeyIndex, deadline.Unix())
	digest := crypto.Keccak256Hash([]byte(msg))

	sig, err := crypto.Sign(digest.Bytes(), a.key)
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	// Recovery id in Ethereum convention.
	sig[64] += 27

	return fmt.Sprintf("%d:%d:%d:%s", a.accountIndex, a.apiKeyIndex, deadline.Unix(), hexutil.Encode(sig)), nil
}
