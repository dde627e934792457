// Package keys holds the mint's private signing keys.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/crypto"
)

var (
	ErrUnknownKeyset     = errors.New("no private keys for keyset")
	ErrUnsupportedAmount = errors.New("no private key for amount")
	ErrDuplicateKeyset   = errors.New("duplicate keyset")
)

// Manager signs blinded messages with the private key for a
// (keyset, amount) pair. It is not modified after NewManager
// so it is safe for concurrent use.
type Manager struct {
	keysets map[string]map[uint64]*secp256k1.PrivateKey
}

func NewManager(keysets ...*crypto.MintKeyset) (*Manager, error) {
	manager := &Manager{keysets: make(map[string]map[uint64]*secp256k1.PrivateKey, len(keysets))}

	for _, keyset := range keysets {
		if _, ok := manager.keysets[keyset.Id]; ok {
			return nil, fmt.Errorf("%w: %v", ErrDuplicateKeyset, keyset.Id)
		}
		keys := make(map[uint64]*secp256k1.PrivateKey, len(keyset.Keys))
		for amount, kp := range keyset.Keys {
			keys[amount] = secp256k1.PrivKeyFromBytes(kp.PrivateKey.Serialize())
		}
		manager.keysets[keyset.Id] = keys
	}

	return manager, nil
}

// Sign returns C_ = k*B_ for the key of amount in keyset.
// A missing key is an internal error: callers validate the
// (keyset, amount) pair before signing.
func (m *Manager) Sign(keysetId string, amount uint64, B_ string) (cashu.BlindedSignature, error) {
	keys, ok := m.keysets[keysetId]
	if !ok {
		return cashu.BlindedSignature{}, fmt.Errorf("%w: %v", ErrUnknownKeyset, keysetId)
	}
	k, ok := keys[amount]
	if !ok {
		return cashu.BlindedSignature{}, fmt.Errorf("%w: %v in keyset %v", ErrUnsupportedAmount, amount, keysetId)
	}

	B_bytes, err := hex.DecodeString(B_)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.InvalidBlindedMessageErr
	}
	B_key, err := secp256k1.ParsePubKey(B_bytes)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.InvalidBlindedMessageErr
	}

	C_ := crypto.SignBlindedMessage(B_key, k)

	return cashu.BlindedSignature{
		Amount: amount,
		C_:     hex.EncodeToString(C_.SerializeCompressed()),
		Id:     keysetId,
	}, nil
}

func (m *Manager) KeysetIds() []string {
	ids := make([]string, 0, len(m.keysets))
	for id := range m.keysets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (m *Manager) HasKeyset(keysetId string) bool {
	_, ok := m.keysets[keysetId]
	return ok
}
