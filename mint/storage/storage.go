package storage

import (
	"context"
	"errors"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
)

var (
	ErrQuoteNotFound  = errors.New("mint quote not found")
	ErrKeysetNotFound = errors.New("keyset not found")
	// ErrSerializationConflict is returned when a transaction could not be
	// serialized with a concurrent one. The whole transaction can be retried.
	ErrSerializationConflict   = errors.New("serialization conflict")
	ErrBlindedMessageExists    = errors.New("blinded message already signed")
	ErrInvalidStateTransition  = errors.New("invalid mint quote state transition")
	ErrTxDone                  = errors.New("transaction already committed or rolled back")
	ErrKeysetAlreadyExists     = errors.New("keyset already exists")
	ErrMintQuoteAlreadyExists  = errors.New("mint quote already exists")
	ErrInvalidMintQuoteAmount  = errors.New("mint quote amount must be greater than zero")
	ErrMismatchedSignatureSize = errors.New("number of blinded messages and signatures differ")
)

// Catalog is the read side of keyset storage.
type Catalog interface {
	GetKeyset(ctx context.Context, id string) (DBKeyset, error)
	GetKeysets(ctx context.Context) ([]DBKeyset, error)
}

type MintDB interface {
	Catalog

	BeginTx(ctx context.Context) (Tx, error)

	SaveKeyset(ctx context.Context, keyset DBKeyset) error
	UpdateKeysetActive(ctx context.Context, keysetId string, active bool) error

	SaveMintQuote(ctx context.Context, quote MintQuote) error
	GetMintQuote(ctx context.Context, quoteId string) (MintQuote, error)
	// UpdateMintQuoteState moves a quote to state if the transition
	// from its current state is allowed, else ErrInvalidStateTransition.
	UpdateMintQuoteState(ctx context.Context, quoteId string, state nut04.State) error

	GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error)

	Close() error
}

// Tx is a request scoped transaction. Nothing written through it
// is visible to others until Commit returns nil.
type Tx interface {
	// SetSerializable must be called before any read.
	SetSerializable(ctx context.Context) error
	// GetMintQuoteForIssue reads the quote that a mint request redeems.
	GetMintQuoteForIssue(ctx context.Context, quoteId string) (MintQuote, error)
	// SaveBlindSignatures stores sigs[i] keyed by B_s[i] for the quote.
	SaveBlindSignatures(ctx context.Context, quoteId string, B_s []string, sigs cashu.BlindedSignatures) error
	// TransitionMintQuoteState is a compare-and-swap on the quote state.
	// If the quote is not in from, it returns ErrSerializationConflict.
	TransitionMintQuoteState(ctx context.Context, quoteId string, from, to nut04.State) error
	Commit(ctx context.Context) error
	// Rollback is a no-op after Commit.
	Rollback(ctx context.Context) error
}

type DBKeyset struct {
	Id                string
	Unit              string
	Active            bool
	DerivationPathIdx uint32
	InputFeePpk       uint
	PublicKeys        map[uint64]string
}

type MintQuote struct {
	Id     string
	Method string
	Unit   string
	Amount uint64
	State  nut04.State
}

type BlindSignature struct {
	B_      string
	QuoteId string
	cashu.BlindedSignature
}
