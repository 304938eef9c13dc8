package ledger

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Keypair is the service's operating signing identity. It is injected into
// the transaction client at construction; there is no package-level signer.
type Keypair struct {
	Address string
	priv    ed25519.PrivateKey
}

// KeypairFromSeed builds a keypair from a hex-encoded 32-byte ed25519 seed
// and the account address it controls.
func KeypairFromSeed(address, seedHex string) (*Keypair, error) {
	raw, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid signing seed: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid signing seed: expected %d bytes, got %d", ed25519.SeedSize, len(raw))
	}
	return &Keypair{
		Address: address,
		priv:    ed25519.NewKeyFromSeed(raw),
	}, nil
}

// Sign produces a decorated signature over the given payload.
func (k *Keypair) Sign(payload []byte) Signature {
	return Signature{
		PublicKey: hex.EncodeToString(k.priv.Public().(ed25519.PublicKey)),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(k.priv, payload)),
	}
}
