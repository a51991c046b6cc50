package p2p

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Identity is the node's persistent key material. The peer ID is derived from
// the public key and stays stable across address changes.
type Identity struct {
	PrivateKey *ecdsa.PrivateKey
	PeerID     string
}

type identityDisk struct {
	PrivateKey string `json:"privateKey"`
}

// LoadOrCreateIdentity reads a secp256k1 private key from the secret file,
// generating one on first start. The peer ID is the keccak256 of the
// uncompressed public key, 0x-prefixed hex.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("secret file path must be provided")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secret directory: %w", err)
	}

	if data, err := os.ReadFile(path); err == nil {
		return decodeIdentity(data)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read secret file: %w", err)
	}

	privKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	encoded := identityDisk{PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(privKey))}
	payload, err := json.MarshalIndent(&encoded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return nil, fmt.Errorf("persist identity: %w", err)
	}
	return &Identity{PrivateKey: privKey, PeerID: derivePeerID(&privKey.PublicKey)}, nil
}

func decodeIdentity(data []byte) (*Identity, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, fmt.Errorf("secret file empty")
	}
	// Accept both raw hex and the JSON envelope.
	keyHex := trimmed
	if trimmed[0] == '{' {
		var stored identityDisk
		if err := json.Unmarshal([]byte(trimmed), &stored); err != nil {
			return nil, fmt.Errorf("decode secret JSON: %w", err)
		}
		keyHex = strings.TrimSpace(stored.PrivateKey)
	}
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode identity key material: %w", err)
	}
	privKey, err := ethcrypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("parse identity key: %w", err)
	}
	return &Identity{PrivateKey: privKey, PeerID: derivePeerID(&privKey.PublicKey)}, nil
}

func derivePeerID(pub *ecdsa.PublicKey) string {
	if pub == nil {
		return ""
	}
	pubBytes := ethcrypto.FromECDSAPub(pub)
	if len(pubBytes) == 0 {
		return ""
	}
	hash := ethcrypto.Keccak256(pubBytes[1:])
	return "0x" + hex.EncodeToString(hash)
}
