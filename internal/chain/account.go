// Package chain talks to the Harmony network: custodial key derivation, the
// address balance oracle, native transfers and the ONE/USD rate.
package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HotWalletID is the derivation id of the wallet that collects on-chain payments.
const HotWalletID = "hot_wallet"

// Account is a custodial key pair derived from the bot secret. The private key
// never leaves the process.
type Account struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// DeriveAccount derives the key for id as keccak256("<secret>_<id>").
func DeriveAccount(secret, id string) (Account, error) {
	if strings.TrimSpace(secret) == "" {
		return Account{}, errors.New("payment secret is required")
	}
	if strings.TrimSpace(id) == "" {
		return Account{}, errors.New("account id is required")
	}

	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(secret + "_" + id)))
	if err != nil {
		return Account{}, fmt.Errorf("derive key: %w", err)
	}

	return Account{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}, nil
}

// Hex returns the EIP-55 checksummed address.
func (a Account) Hex() string {
	return a.Address.Hex()
}

func (a Account) valid() bool {
	return a.key != nil
}
