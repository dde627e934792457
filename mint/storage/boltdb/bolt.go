// Package boltdb is a storage.MintDB backed by a bbolt file.
// bbolt allows a single read-write transaction at a time, so mint
// transactions never interleave.
package boltdb

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
)

const (
	keysetsBucket    = "keysets"
	mintQuotesBucket = "mint_quotes"
	signaturesBucket = "blind_signatures"
)

type BoltDB struct {
	bolt *bolt.DB
}

// InitBolt opens mint.bolt.db under path. timeout bounds how long
// to wait for the file lock held by another process.
func InitBolt(path string, timeout time.Duration) (*BoltDB, error) {
	db, err := bolt.Open(filepath.Join(path, "mint.bolt.db"), 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("error opening db: %v", err)
	}

	boltdb := &BoltDB{bolt: db}
	if err := boltdb.initMintBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating buckets: %v", err)
	}
	return boltdb, nil
}

func (db *BoltDB) initMintBuckets() error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		for _, bucket := range []string{keysetsBucket, mintQuotesBucket, signaturesBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *BoltDB) Close() error {
	return db.bolt.Close()
}

func (db *BoltDB) SaveKeyset(ctx context.Context, keyset storage.DBKeyset) error {
	keysetBytes, err := cbor.Marshal(keyset)
	if err != nil {
		return fmt.Errorf("invalid keyset: %v", err)
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		keysetsb := tx.Bucket([]byte(keysetsBucket))
		key := []byte(keyset.Id)
		if keysetsb.Get(key) != nil {
			return fmt.Errorf("%w: %v", storage.ErrKeysetAlreadyExists, keyset.Id)
		}
		return keysetsb.Put(key, keysetBytes)
	})
}

func getKeyset(tx *bolt.Tx, id string) (storage.DBKeyset, error) {
	keysetBytes := tx.Bucket([]byte(keysetsBucket)).Get([]byte(id))
	if keysetBytes == nil {
		return storage.DBKeyset{}, storage.ErrKeysetNotFound
	}
	var keyset storage.DBKeyset
	if err := cbor.Unmarshal(keysetBytes, &keyset); err != nil {
		return storage.DBKeyset{}, fmt.Errorf("invalid keyset '%v': %v", id, err)
	}
	return keyset, nil
}

func (db *BoltDB) GetKeyset(ctx context.Context, id string) (storage.DBKeyset, error) {
	var keyset storage.DBKeyset
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		keyset, err = getKeyset(tx, id)
		return err
	})
	return keyset, err
}

func (db *BoltDB) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(keysetsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var keyset storage.DBKeyset
			if err := cbor.Unmarshal(v, &keyset); err != nil {
				return fmt.Errorf("invalid keyset '%s': %v", k, err)
			}
			keysets = append(keysets, keyset)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keysets, nil
}

func (db *BoltDB) UpdateKeysetActive(ctx context.Context, keysetId string, active bool) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		keyset, err := getKeyset(tx, keysetId)
		if err != nil {
			return err
		}
		keyset.Active = active
		keysetBytes, err := cbor.Marshal(keyset)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(keysetsBucket)).Put([]byte(keysetId), keysetBytes)
	})
}

func getMintQuote(tx *bolt.Tx, quoteId string) (storage.MintQuote, error) {
	quoteBytes := tx.Bucket([]byte(mintQuotesBucket)).Get([]byte(quoteId))
	if quoteBytes == nil {
		return storage.MintQuote{}, storage.ErrQuoteNotFound
	}
	var quote storage.MintQuote
	if err := cbor.Unmarshal(quoteBytes, &quote); err != nil {
		return storage.MintQuote{}, fmt.Errorf("invalid mint quote '%v': %v", quoteId, err)
	}
	return quote, nil
}

func putMintQuote(tx *bolt.Tx, quote storage.MintQuote) error {
	quoteBytes, err := cbor.Marshal(quote)
	if err != nil {
		return fmt.Errorf("invalid mint quote: %v", err)
	}
	return tx.Bucket([]byte(mintQuotesBucket)).Put([]byte(quote.Id), quoteBytes)
}

func (db *BoltDB) SaveMintQuote(ctx context.Context, quote storage.MintQuote) error {
	if quote.Amount == 0 {
		return storage.ErrInvalidMintQuoteAmount
	}

	return db.bolt.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(mintQuotesBucket)).Get([]byte(quote.Id)) != nil {
			return fmt.Errorf("%w: %v", storage.ErrMintQuoteAlreadyExists, quote.Id)
		}
		return putMintQuote(tx, quote)
	})
}

func (db *BoltDB) GetMintQuote(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	err := db.bolt.View(func(tx *bolt.Tx) error {
		var err error
		quote, err = getMintQuote(tx, quoteId)
		return err
	})
	return quote, err
}

func (db *BoltDB) UpdateMintQuoteState(ctx context.Context, quoteId string, state nut04.State) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		quote, err := getMintQuote(tx, quoteId)
		if err != nil {
			return err
		}
		if !quote.State.CanTransitionTo(state) {
			return fmt.Errorf("%w: %v -> %v", storage.ErrInvalidStateTransition, quote.State, state)
		}
		quote.State = state
		return putMintQuote(tx, quote)
	})
}

func (db *BoltDB) GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}

	err := db.bolt.View(func(tx *bolt.Tx) error {
		sigsb := tx.Bucket([]byte(signaturesBucket))
		for _, B_ := range B_s {
			sigBytes := sigsb.Get([]byte(B_))
			if sigBytes == nil {
				continue
			}
			var sig storage.BlindSignature
			if err := cbor.Unmarshal(sigBytes, &sig); err != nil {
				return fmt.Errorf("invalid blind signature: %v", err)
			}
			signatures = append(signatures, sig.BlindedSignature)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signatures, nil
}

type beginResult struct {
	tx  *bolt.Tx
	err error
}

// BeginTx starts a read-write transaction. It waits while another one
// is open, until ctx is done.
func (db *BoltDB) BeginTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	began := make(chan beginResult, 1)
	go func() {
		tx, err := db.bolt.Begin(true)
		began <- beginResult{tx: tx, err: err}
	}()

	select {
	case res := <-began:
		if res.err != nil {
			return nil, res.err
		}
		return &boltTx{tx: res.tx}, nil
	case <-ctx.Done():
		// release the write lock once it is acquired
		go func() {
			if res := <-began; res.err == nil {
				res.tx.Rollback()
			}
		}()
		return nil, ctx.Err()
	}
}

type boltTx struct {
	tx *bolt.Tx
}

// SetSerializable is a no-op: bbolt has a single writer.
func (t *boltTx) SetSerializable(ctx context.Context) error {
	return ctx.Err()
}

func (t *boltTx) GetMintQuoteForIssue(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	if err := ctx.Err(); err != nil {
		return storage.MintQuote{}, err
	}
	return getMintQuote(t.tx, quoteId)
}

func (t *boltTx) SaveBlindSignatures(ctx context.Context, quoteId string, B_s []string, sigs cashu.BlindedSignatures) error {
	if len(B_s) != len(sigs) {
		return storage.ErrMismatchedSignatureSize
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sigsb := t.tx.Bucket([]byte(signaturesBucket))
	for i, sig := range sigs {
		if _, err := getKeyset(t.tx, sig.Id); err != nil {
			return err
		}
		key := []byte(B_s[i])
		if sigsb.Get(key) != nil {
			return fmt.Errorf("%w: %v", storage.ErrBlindedMessageExists, B_s[i])
		}
		sigBytes, err := cbor.Marshal(storage.BlindSignature{
			B_:               B_s[i],
			QuoteId:          quoteId,
			BlindedSignature: sig,
		})
		if err != nil {
			return err
		}
		if err := sigsb.Put(key, sigBytes); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) TransitionMintQuoteState(ctx context.Context, quoteId string, from, to nut04.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	quote, err := getMintQuote(t.tx, quoteId)
	if err != nil {
		return err
	}
	if quote.State != from {
		return fmt.Errorf("%w: quote '%v' is %v, expected %v", storage.ErrSerializationConflict, quoteId, quote.State, from)
	}
	quote.State = to
	return putMintQuote(t.tx, quote)
}

func (t *boltTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.tx.Commit()
}

func (t *boltTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return err
	}
	return nil
}
