package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

var ErrInvalidPublicKey = errors.New("invalid public key")

type MintKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
	Keys              map[uint64]KeyPair
}

type KeyPair struct {
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

// GenerateKeyset derives the keys for every power-of-two amount up to 2^63
// at path m/0'/unit'/idx'/amount' from the master key.
func GenerateKeyset(master *hdkeychain.ExtendedKey, unit string, index uint32, inputFeePpk uint, active bool) (*MintKeyset, error) {
	keys := make(map[uint64]KeyPair, maxOrder)

	unitPath, err := master.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}
	unitPath, err = unitPath.Derive(hdkeychain.HardenedKeyStart + UnitDerivationIdx(unit))
	if err != nil {
		return nil, err
	}
	keysetPath, err := unitPath.Derive(hdkeychain.HardenedKeyStart + index)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		amountPath, err := keysetPath.Derive(hdkeychain.HardenedKeyStart + uint32(i))
		if err != nil {
			return nil, err
		}
		privKey, err := amountPath.ECPrivKey()
		if err != nil {
			return nil, err
		}
		keys[amount] = KeyPair{PrivateKey: privKey, PublicKey: privKey.PubKey()}
	}

	publicKeys := make(map[uint64]*secp256k1.PublicKey, len(keys))
	for amount, key := range keys {
		publicKeys[amount] = key.PublicKey
	}

	return &MintKeyset{
		Id:                DeriveKeysetId(publicKeys),
		Unit:              unit,
		Active:            active,
		DerivationPathIdx: index,
		InputFeePpk:       inputFeePpk,
		Keys:              keys,
	}, nil
}

// UnitDerivationIdx is the hardened child index used for a unit.
func UnitDerivationIdx(unit string) uint32 {
	hash := sha256.Sum256([]byte(unit))
	return binary.BigEndian.Uint32(hash[:4]) & 0x7fffffff
}

// DeriveKeysetId returns "00" followed by the first 14 hex characters of
// the SHA256 of the compressed public keys concatenated in amount order.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	slices.Sort(amounts)

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}

// DeriveKeysetIdFromHex is DeriveKeysetId for hex encoded public keys.
func DeriveKeysetIdFromHex(keyset map[uint64]string) (string, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(keyset))
	for amount, hexKey := range keyset {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		key, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
		keys[amount] = key
	}
	return DeriveKeysetId(keys), nil
}

func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubKeys := make(map[uint64]string, len(ks.Keys))
	for amount, key := range ks.Keys {
		pubKeys[amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubKeys
}
