package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestHashToCurve(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{message: "0000000000000000000000000000000000000000000000000000000000000000",
			expected: "024cce997d3b518f739663b757deaec95bcd9473c30a14ac2fd04023a739d1a725"},
		{message: "0000000000000000000000000000000000000000000000000000000000000001",
			expected: "022e7158e11c9506f1aa4248bf531298daa7febd6194f003edcd9b93ade6253acf"},
		{message: "0000000000000000000000000000000000000000000000000000000000000002",
			expected: "026cdbe15362df59cd1dd3c9c11de8aedac2106eca69236ecd9fbe117af897be4f"},
	}

	for _, test := range tests {
		msgBytes, err := hex.DecodeString(test.message)
		if err != nil {
			t.Errorf("error decoding msg: %v", err)
		}

		pk, err := HashToCurve(msgBytes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		hexStr := hex.EncodeToString(pk.SerializeCompressed())
		if hexStr != test.expected {
			t.Errorf("expected '%v' but got '%v' instead\n", test.expected, hexStr)
		}
	}
}

func TestSignWithIdentityKey(t *testing.T) {
	rbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	B_, _, err := BlindMessage([]byte("test_message"), rbytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kbytes, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(kbytes)

	C_ := SignBlindedMessage(B_, k)
	if !C_.IsEqual(B_) {
		t.Fatalf("expected '%x' but got '%x' instead", B_.SerializeCompressed(), C_.SerializeCompressed())
	}
}

func TestSignIsDeterministic(t *testing.T) {
	rbytes, _ := hex.DecodeString("6d7e0abffc83267de28ed8ecc8760f17697e51252e13333ba69b4ddad1f95d05")
	B_, _, err := BlindMessage([]byte("hello"), rbytes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	kbytes, _ := hex.DecodeString("7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f7f")
	k, _ := btcec.PrivKeyFromBytes(kbytes)

	first := SignBlindedMessage(B_, k)
	second := SignBlindedMessage(B_, k)
	if !first.IsEqual(second) {
		t.Fatal("expected signing the same blinded message twice to return the same signature")
	}
}

func TestVerify(t *testing.T) {
	secret := []byte("test_message")
	rhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000002")

	B_, r, err := BlindMessage(secret, rhex)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	khex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000001")
	k, _ := btcec.PrivKeyFromBytes(khex)
	K := k.PubKey()

	C_ := SignBlindedMessage(B_, k)
	C := UnblindSignature(C_, r, K)

	if !Verify(secret, k, C) {
		t.Error("failed verification")
	}

	otherhex, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000003")
	other, _ := btcec.PrivKeyFromBytes(otherhex)
	if Verify(secret, other, C) {
		t.Error("expected verification with a different key to fail")
	}
}
