package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
)

// Signer holds the account key that authorizes mint calls. Key
// material follows the blockchain credential convention:
// "ed25519:<base58>" strings in a per-network JSON file under the
// credentials directory.
type Signer struct {
	AccountID string
	Private   ed25519.PrivateKey
	Public    ed25519.PublicKey
	KeyID     string
}

type credentialsFile struct {
	AccountID  string `json:"account_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
	SecretKey  string `json:"secret_key"`
}

// LoadCredentials reads <dir>/<network>/<account>.json.
func LoadCredentials(dir, network, account string) (*Signer, error) {
	path := filepath.Join(dir, network, account+".json")
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(buf, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	encodedPriv := creds.PrivateKey
	if encodedPriv == "" {
		encodedPriv = creds.SecretKey
	}
	if encodedPriv == "" {
		return nil, fmt.Errorf("credentials %s carry no private key", path)
	}
	priv, err := ParsePrivateKey(encodedPriv)
	if err != nil {
		return nil, fmt.Errorf("credentials %s: %w", path, err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	if creds.PublicKey != "" {
		declared, err := ParsePublicKey(creds.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("credentials %s: %w", path, err)
		}
		if !bytesEqual(declared, pub) {
			return nil, errors.New("public key does not match private key")
		}
	}
	accountID := creds.AccountID
	if accountID == "" {
		accountID = account
	}
	return &Signer{
		AccountID: accountID,
		Private:   priv,
		Public:    pub,
		KeyID:     keyID(pub),
	}, nil
}

// Sign returns the base58 signature over the payload.
func (s *Signer) Sign(payload []byte) string {
	return base58.Encode(ed25519.Sign(s.Private, payload))
}

// PublicKeyString renders the public key in the credential
// convention's encoding.
func (s *Signer) PublicKeyString() string {
	return "ed25519:" + base58.Encode(s.Public)
}

func Verify(pub ed25519.PublicKey, payload []byte, signature string) bool {
	sig, err := base58.Decode(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	b, err := decodeKeyBody(encoded)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(b), nil
	default:
		return nil, fmt.Errorf("private key length %d invalid", len(b))
	}
}

func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	b, err := decodeKeyBody(encoded)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key length %d invalid", len(b))
	}
	return ed25519.PublicKey(b), nil
}

func decodeKeyBody(encoded string) ([]byte, error) {
	body := strings.TrimSpace(encoded)
	if idx := strings.Index(body, ":"); idx >= 0 {
		if curve := body[:idx]; curve != "ed25519" {
			return nil, fmt.Errorf("unsupported key curve %q", curve)
		}
		body = body[idx+1:]
	}
	b, err := base58.Decode(body)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	return b, nil
}

func keyID(pub ed25519.PublicKey) string {
	h := sha256.Sum256(pub)
	return "ed25519:" + hex.EncodeToString(h[:8])
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
