// Package signer issues signed permits on behalf of the fee-signer key.
//
// The engine only accepts permits signed by its configured fee signer, so
// this package is the issuing half of the system: load the key (raw hex,
// encrypted keystore, or BIP39 mnemonic), bind it to the engine's domain
// codec, and sign permit digests.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/permitpay/permitpay-go/permit"
)

var (
	// ErrInvalidKey is returned when no usable private key was configured.
	ErrInvalidKey = errors.New("signer: invalid private key")
	// ErrInvalidKeystore is returned when a keystore file cannot be loaded.
	ErrInvalidKeystore = errors.New("signer: invalid keystore")
	// ErrInvalidMnemonic is returned for malformed BIP39 phrases.
	ErrInvalidMnemonic = errors.New("signer: invalid mnemonic")
	// ErrNoCodec is returned when the signer is built without a domain codec.
	ErrNoCodec = errors.New("signer: domain codec is required")
)

// Signer holds the fee-signer key bound to one engine domain.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	codec      *permit.Codec
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// New creates a signer for the given domain codec.
func New(codec *permit.Codec, opts ...SignerOption) (*Signer, error) {
	if codec == nil {
		return nil, ErrNoCodec
	}
	s := &Signer{codec: codec}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.privateKey == nil {
		return nil, ErrInvalidKey
	}
	s.address = crypto.PubkeyToAddress(s.privateKey.PublicKey)
	return s, nil
}

// WithPrivateKey sets the private key from a hex string.
func WithPrivateKey(hexKey string) SignerOption {
	return func(s *Signer) error {
		hexKey = strings.TrimPrefix(hexKey, "0x")

		privateKey, err := crypto.HexToECDSA(hexKey)
		if err != nil {
			return ErrInvalidKey
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithGeneratedKey creates a fresh random key. Meant for development
// deployments where no fee-signer key is provisioned yet.
func WithGeneratedKey() SignerOption {
	return func(s *Signer) error {
		privateKey, err := crypto.GenerateKey()
		if err != nil {
			return ErrInvalidKey
		}
		s.privateKey = privateKey
		return nil
	}
}

// Address returns the fee-signer address derived from the key. This is the
// address the engine's config must name for issued permits to verify.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignNative signs a native permit and returns the 65-byte (r,s,v)
// signature as 0x-prefixed hex, v in {27, 28}.
func (s *Signer) SignNative(p permit.NativePermit) (string, error) {
	digest, err := s.codec.HashNative(p)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// SignToken signs a token permit.
func (s *Signer) SignToken(p permit.TokenPermit) (string, error) {
	digest, err := s.codec.HashToken(p)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

func (s *Signer) signDigest(digest [32]byte) (string, error) {
	sig, err := crypto.Sign(digest[:], s.privateKey)
	if err != nil {
		return "", err
	}
	// Library recovery ids are 0/1; the wire format carries 27/28.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
