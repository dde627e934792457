package testutils

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/crypto"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresUser     = "mint"
	postgresPassword = "mint"
	postgresDB       = "mint"
)

func GenerateRandomBytes() ([]byte, error) {
	randomBytes := make([]byte, 32)
	_, err := rand.Read(randomBytes)
	if err != nil {
		return nil, err
	}
	return randomBytes, nil
}

// GenerateKeyset derives a keyset for unit at idx from a random seed.
func GenerateKeyset(unit string, idx uint32, active bool) (*crypto.MintKeyset, error) {
	seed, err := hdkeychain.GenerateSeed(32)
	if err != nil {
		return nil, err
	}
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}
	return crypto.GenerateKeyset(master, unit, idx, 0, active)
}

// CreateBlindedMessages splits amount into powers of two and returns
// a blinded message for each with its secret and blinding factor.
func CreateBlindedMessages(amount uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	return CreateBlindedMessagesForAmounts(cashu.AmountSplit(amount), keysetId)
}

func CreateBlindedMessagesForAmounts(amounts []uint64, keysetId string) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey, error) {
	blindedMessages := make(cashu.BlindedMessages, len(amounts))
	secrets := make([]string, len(amounts))
	rs := make([]*secp256k1.PrivateKey, len(amounts))

	for i, amt := range amounts {
		var B_ *secp256k1.PublicKey
		var r *secp256k1.PrivateKey
		var secret string
		// generate random secret until it finds valid point
		for {
			secretBytes, err := GenerateRandomBytes()
			if err != nil {
				return nil, nil, nil, err
			}
			rbytes, err := GenerateRandomBytes()
			if err != nil {
				return nil, nil, nil, err
			}
			secret = hex.EncodeToString(secretBytes)
			B_, r, err = crypto.BlindMessage([]byte(secret), rbytes)
			if err == nil {
				break
			}
		}

		blindedMessages[i] = cashu.NewBlindedMessage(keysetId, amt, B_)
		secrets[i] = secret
		rs[i] = r
	}

	return blindedMessages, secrets, rs, nil
}

// VerifySignatures unblinds each signature with its blinding factor and
// checks it against the secret with the key of the keyset for its amount.
func VerifySignatures(
	signatures cashu.BlindedSignatures,
	secrets []string,
	rs []*secp256k1.PrivateKey,
	keyset *crypto.MintKeyset,
) error {
	if len(signatures) != len(secrets) || len(signatures) != len(rs) {
		return errors.New("number of signatures, secrets and blinding factors differ")
	}

	for i, signature := range signatures {
		keypair, ok := keyset.Keys[signature.Amount]
		if !ok {
			return fmt.Errorf("keyset has no key for amount %v", signature.Amount)
		}
		C_bytes, err := hex.DecodeString(signature.C_)
		if err != nil {
			return err
		}
		C_, err := secp256k1.ParsePubKey(C_bytes)
		if err != nil {
			return err
		}
		C := crypto.UnblindSignature(C_, rs[i], keypair.PublicKey)
		if !crypto.Verify([]byte(secrets[i]), keypair.PrivateKey, C) {
			return fmt.Errorf("signature %v does not verify", i)
		}
	}
	return nil
}

type PostgresContainer struct {
	testcontainers.Container
	DatabaseURL string
}

func CreatePostgresContainer(ctx context.Context) (*PostgresContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		// postgres restarts once after running the init scripts
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(time.Minute),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, err
	}

	ip, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}

	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, err
	}

	databaseURL := fmt.Sprintf("postgres://%v:%v@%v:%v/%v?sslmode=disable",
		postgresUser, postgresPassword, ip, mappedPort.Port(), postgresDB)

	return &PostgresContainer{Container: container, DatabaseURL: databaseURL}, nil
}
