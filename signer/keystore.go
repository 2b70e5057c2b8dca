package signer

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
)

// WithKeystore loads the private key from an encrypted keystore file
// (web3 secret storage format).
func WithKeystore(path, password string) SignerOption {
	return func(s *Signer) error {
		keyJSON, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}

		var encrypted struct {
			Crypto keystore.CryptoJSON `json:"crypto"`
		}
		if err := json.Unmarshal(keyJSON, &encrypted); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}

		keyBytes, err := keystore.DecryptDataV3(encrypted.Crypto, password)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}

		privateKey, err := crypto.ToECDSA(keyBytes)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
		}

		s.privateKey = privateKey
		return nil
	}
}

// WithMnemonic derives the private key from a BIP39 mnemonic at the
// standard Ethereum path m/44'/60'/0'/0/{accountIndex}.
func WithMnemonic(mnemonic string, accountIndex uint32) SignerOption {
	return func(s *Signer) error {
		if !bip39.IsMnemonicValid(mnemonic) {
			return ErrInvalidMnemonic
		}

		seed := bip39.NewSeed(mnemonic, "")

		key, err := deriveAccountKey(seed, accountIndex)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
		}

		privateKey, err := crypto.ToECDSA(key.Key)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
		}

		s.privateKey = privateKey
		return nil
	}
}

// deriveAccountKey walks m/44'/60'/0'/0/{index}.
func deriveAccountKey(seed []byte, index uint32) (*bip32.Key, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	purpose, err := masterKey.NewChildKey(bip32.FirstHardenedChild + 44)
	if err != nil {
		return nil, err
	}
	coinType, err := purpose.NewChildKey(bip32.FirstHardenedChild + 60)
	if err != nil {
		return nil, err
	}
	account, err := coinType.NewChildKey(bip32.FirstHardenedChild + 0)
	if err != nil {
		return nil, err
	}
	change, err := account.NewChildKey(0)
	if err != nil {
		return nil, err
	}
	return change.NewChildKey(index)
}
