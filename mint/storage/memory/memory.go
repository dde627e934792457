// Package memory is a storage.MintDB kept in process memory.
// Transactions buffer their writes and validate what they read
// at commit, failing with storage.ErrSerializationConflict if
// another transaction changed it in between.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
)

type MemoryDB struct {
	mu         sync.RWMutex
	keysets    map[string]storage.DBKeyset
	quotes     map[string]storage.MintQuote
	signatures map[string]storage.BlindSignature
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		keysets:    make(map[string]storage.DBKeyset),
		quotes:     make(map[string]storage.MintQuote),
		signatures: make(map[string]storage.BlindSignature),
	}
}

func (m *MemoryDB) Close() error {
	return nil
}

func copyKeyset(keyset storage.DBKeyset) storage.DBKeyset {
	keyset.PublicKeys = maps.Clone(keyset.PublicKeys)
	return keyset
}

func (m *MemoryDB) SaveKeyset(ctx context.Context, keyset storage.DBKeyset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.keysets[keyset.Id]; ok {
		return fmt.Errorf("%w: %v", storage.ErrKeysetAlreadyExists, keyset.Id)
	}
	m.keysets[keyset.Id] = copyKeyset(keyset)
	return nil
}

func (m *MemoryDB) GetKeyset(ctx context.Context, id string) (storage.DBKeyset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keyset, ok := m.keysets[id]
	if !ok {
		return storage.DBKeyset{}, storage.ErrKeysetNotFound
	}
	return copyKeyset(keyset), nil
}

func (m *MemoryDB) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keysets := make([]storage.DBKeyset, 0, len(m.keysets))
	for _, keyset := range m.keysets {
		keysets = append(keysets, copyKeyset(keyset))
	}
	return keysets, nil
}

func (m *MemoryDB) UpdateKeysetActive(ctx context.Context, keysetId string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyset, ok := m.keysets[keysetId]
	if !ok {
		return storage.ErrKeysetNotFound
	}
	keyset.Active = active
	m.keysets[keysetId] = keyset
	return nil
}

func (m *MemoryDB) SaveMintQuote(ctx context.Context, quote storage.MintQuote) error {
	if quote.Amount == 0 {
		return storage.ErrInvalidMintQuoteAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.quotes[quote.Id]; ok {
		return fmt.Errorf("%w: %v", storage.ErrMintQuoteAlreadyExists, quote.Id)
	}
	m.quotes[quote.Id] = quote
	return nil
}

func (m *MemoryDB) GetMintQuote(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	quote, ok := m.quotes[quoteId]
	if !ok {
		return storage.MintQuote{}, storage.ErrQuoteNotFound
	}
	return quote, nil
}

func (m *MemoryDB) UpdateMintQuoteState(ctx context.Context, quoteId string, state nut04.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	quote, ok := m.quotes[quoteId]
	if !ok {
		return storage.ErrQuoteNotFound
	}
	if !quote.State.CanTransitionTo(state) {
		return fmt.Errorf("%w: %v -> %v", storage.ErrInvalidStateTransition, quote.State, state)
	}
	quote.State = state
	m.quotes[quoteId] = quote
	return nil
}

func (m *MemoryDB) GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	signatures := cashu.BlindedSignatures{}
	for _, B_ := range B_s {
		if sig, ok := m.signatures[B_]; ok {
			signatures = append(signatures, sig.BlindedSignature)
		}
	}
	return signatures, nil
}

func (m *MemoryDB) BeginTx(ctx context.Context) (storage.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memoryTx{
		db:       m,
		observed: make(map[string]nut04.State),
	}, nil
}

type transition struct {
	quoteId  string
	from, to nut04.State
}

type memoryTx struct {
	db   *MemoryDB
	done bool

	// quote states read by this tx. Validated at commit.
	observed    map[string]nut04.State
	signatures  []storage.BlindSignature
	transitions []transition
}

func (tx *memoryTx) SetSerializable(ctx context.Context) error {
	if tx.done {
		return storage.ErrTxDone
	}
	return ctx.Err()
}

func (tx *memoryTx) GetMintQuoteForIssue(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	if tx.done {
		return storage.MintQuote{}, storage.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return storage.MintQuote{}, err
	}

	tx.db.mu.RLock()
	quote, ok := tx.db.quotes[quoteId]
	tx.db.mu.RUnlock()
	if !ok {
		return storage.MintQuote{}, storage.ErrQuoteNotFound
	}

	if observed, ok := tx.observed[quoteId]; ok && observed != quote.State {
		return storage.MintQuote{}, fmt.Errorf("%w: quote '%v' changed during transaction", storage.ErrSerializationConflict, quoteId)
	}
	tx.observed[quoteId] = quote.State
	return quote, nil
}

func (tx *memoryTx) SaveBlindSignatures(ctx context.Context, quoteId string, B_s []string, sigs cashu.BlindedSignatures) error {
	if tx.done {
		return storage.ErrTxDone
	}
	if len(B_s) != len(sigs) {
		return storage.ErrMismatchedSignatureSize
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(tx.signatures)+len(B_s))
	for _, sig := range tx.signatures {
		seen[sig.B_] = struct{}{}
	}
	for i, B_ := range B_s {
		if _, ok := seen[B_]; ok {
			return fmt.Errorf("%w: %v", storage.ErrBlindedMessageExists, B_)
		}
		seen[B_] = struct{}{}
		tx.signatures = append(tx.signatures, storage.BlindSignature{
			B_:               B_,
			QuoteId:          quoteId,
			BlindedSignature: sigs[i],
		})
	}
	return nil
}

func (tx *memoryTx) TransitionMintQuoteState(ctx context.Context, quoteId string, from, to nut04.State) error {
	if tx.done {
		return storage.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx.db.mu.RLock()
	quote, ok := tx.db.quotes[quoteId]
	tx.db.mu.RUnlock()
	if !ok {
		return storage.ErrQuoteNotFound
	}
	if quote.State != from {
		return fmt.Errorf("%w: quote '%v' is %v, expected %v", storage.ErrSerializationConflict, quoteId, quote.State, from)
	}
	tx.transitions = append(tx.transitions, transition{quoteId: quoteId, from: from, to: to})
	return nil
}

func (tx *memoryTx) Commit(ctx context.Context) error {
	if tx.done {
		return storage.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db := tx.db
	db.mu.Lock()
	defer db.mu.Unlock()
	tx.done = true

	for quoteId, observed := range tx.observed {
		quote, ok := db.quotes[quoteId]
		if !ok || quote.State != observed {
			return fmt.Errorf("%w: quote '%v' changed during transaction", storage.ErrSerializationConflict, quoteId)
		}
	}
	for _, t := range tx.transitions {
		if quote := db.quotes[t.quoteId]; quote.State != t.from {
			return fmt.Errorf("%w: quote '%v' is %v, expected %v", storage.ErrSerializationConflict, t.quoteId, quote.State, t.from)
		}
	}
	for _, sig := range tx.signatures {
		if _, ok := db.signatures[sig.B_]; ok {
			return fmt.Errorf("%w: %v", storage.ErrBlindedMessageExists, sig.B_)
		}
		if _, ok := db.keysets[sig.Id]; !ok {
			return fmt.Errorf("%w: %v", storage.ErrKeysetNotFound, sig.Id)
		}
	}

	for _, sig := range tx.signatures {
		db.signatures[sig.B_] = sig
	}
	for _, t := range tx.transitions {
		quote := db.quotes[t.quoteId]
		quote.State = t.to
		db.quotes[t.quoteId] = quote
	}
	return nil
}

func (tx *memoryTx) Rollback(ctx context.Context) error {
	tx.done = true
	tx.signatures = nil
	tx.transitions = nil
	return nil
}
