package keys

import (
	"encoding/hex"
	"errors"
	"reflect"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/crypto"
)

func generateKeyset(t *testing.T, idx uint32) *crypto.MintKeyset {
	seed, err := hdkeychain.GenerateSeed(32)
	if err != nil {
		t.Fatal(err)
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	keyset, err := crypto.GenerateKeyset(master, "sat", idx, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	return keyset
}

func TestSign(t *testing.T) {
	keyset := generateKeyset(t, 0)
	manager, err := NewManager(keyset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	secret := []byte("secret")
	rbytes := make([]byte, 32)
	rbytes[31] = 7
	B_, r, err := crypto.BlindMessage(secret, rbytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	B_hex := hex.EncodeToString(B_.SerializeCompressed())

	sig, err := manager.Sign(keyset.Id, 8, B_hex)
	if err != nil {
		t.Fatalf("unexpected error signing: %v", err)
	}
	if sig.Amount != 8 || sig.Id != keyset.Id {
		t.Fatalf("unexpected signature: %+v", sig)
	}

	again, err := manager.Sign(keyset.Id, 8, B_hex)
	if err != nil {
		t.Fatalf("unexpected error signing: %v", err)
	}
	if again != sig {
		t.Fatalf("expected '%v' but got '%v'", sig, again)
	}

	C_bytes, _ := hex.DecodeString(sig.C_)
	C_, err := secp256k1.ParsePubKey(C_bytes)
	if err != nil {
		t.Fatalf("invalid C_: %v", err)
	}
	C := crypto.UnblindSignature(C_, r, keyset.Keys[8].PublicKey)
	if !crypto.Verify(secret, keyset.Keys[8].PrivateKey, C) {
		t.Fatal("signature did not verify")
	}
}

func TestSignErrors(t *testing.T) {
	keyset := generateKeyset(t, 0)
	manager, err := NewManager(keyset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	validB_ := hex.EncodeToString(keyset.Keys[1].PublicKey.SerializeCompressed())

	tests := []struct {
		keysetId string
		amount   uint64
		B_       string
		expected error
	}{
		{keysetId: "00ffffffffffffff", amount: 1, B_: validB_, expected: ErrUnknownKeyset},
		{keysetId: keyset.Id, amount: 3, B_: validB_, expected: ErrUnsupportedAmount},
		{keysetId: keyset.Id, amount: 1, B_: "nothex", expected: cashu.InvalidBlindedMessageErr},
		{keysetId: keyset.Id, amount: 1, B_: "02abcd", expected: cashu.InvalidBlindedMessageErr},
	}

	for _, test := range tests {
		_, err := manager.Sign(test.keysetId, test.amount, test.B_)
		if !errors.Is(err, test.expected) {
			t.Errorf("expected '%v' but got '%v'", test.expected, err)
		}
	}
}

func TestNewManager(t *testing.T) {
	first := generateKeyset(t, 0)
	second := generateKeyset(t, 1)

	manager, err := NewManager(first, second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ids := manager.KeysetIds()
	if len(ids) != 2 || !manager.HasKeyset(first.Id) || !manager.HasKeyset(second.Id) {
		t.Fatalf("unexpected keyset ids: %v", ids)
	}

	// later changes to the keyset do not affect the manager
	before := manager.keysets[first.Id][1].Serialize()
	first.Keys[1] = crypto.KeyPair{PrivateKey: second.Keys[1].PrivateKey, PublicKey: second.Keys[1].PublicKey}
	if !reflect.DeepEqual(before, manager.keysets[first.Id][1].Serialize()) {
		t.Fatal("expected manager keys to be independent of the keyset")
	}

	if _, err := NewManager(second, second); !errors.Is(err, ErrDuplicateKeyset) {
		t.Fatalf("expected '%v' but got '%v'", ErrDuplicateKeyset, err)
	}
}
