package mint

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut01"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut02"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut06"
	"github.com/elnosh/gonuts-mint/crypto"
	"github.com/elnosh/gonuts-mint/mint/keys"
	"github.com/elnosh/gonuts-mint/mint/keysetcache"
	"github.com/elnosh/gonuts-mint/mint/storage"
)

var Version = nut06.MintVersion{Name: "gonuts-mint", Version: "0.1.0"}

type Mint[M, U cashu.Identifier] struct {
	db storage.MintDB

	keys     *keys.Manager
	keysets  *keysetcache.Cache[U]
	settings nut04.Settings[M, U]
	retries  int

	info   nut06.MintInfo[M, U]
	logger *slog.Logger
}

// LoadMint derives the private keys of every keyset in the db from the
// seed and creates an active keyset for the configured unit if the
// mint does not have one yet.
func LoadMint[M, U cashu.Identifier](ctx context.Context, config Config[M, U]) (*Mint[M, U], error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	mint := &Mint[M, U]{
		db:       config.DB,
		settings: config.Settings,
		retries:  config.SerializationRetries,
		logger:   setupLogger(config.LogLevel, config.LogWriter),
	}

	master, err := hdkeychain.NewMaster(config.Seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("error deriving master key from seed: %v", err)
	}

	dbKeysets, err := config.DB.GetKeysets(ctx)
	if err != nil {
		return nil, fmt.Errorf("error reading keysets from db: %w", err)
	}

	unit := config.Unit.String()
	keysets := make([]*crypto.MintKeyset, 0, len(dbKeysets)+1)
	hasActive := false
	var nextIdx uint32
	for _, dbKeyset := range dbKeysets {
		keyset, err := crypto.GenerateKeyset(
			master,
			dbKeyset.Unit,
			dbKeyset.DerivationPathIdx,
			dbKeyset.InputFeePpk,
			dbKeyset.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("error generating keyset '%v': %v", dbKeyset.Id, err)
		}
		if keyset.Id != dbKeyset.Id {
			return nil, fmt.Errorf("keyset '%v' in db does not match keyset '%v' derived from seed",
				dbKeyset.Id, keyset.Id)
		}
		keysets = append(keysets, keyset)

		if dbKeyset.Unit == unit {
			if dbKeyset.Active {
				hasActive = true
			}
			if dbKeyset.DerivationPathIdx >= nextIdx {
				nextIdx = dbKeyset.DerivationPathIdx + 1
			}
		}
	}

	if !hasActive {
		keyset, err := crypto.GenerateKeyset(master, unit, nextIdx, config.InputFeePpk, true)
		if err != nil {
			return nil, fmt.Errorf("error generating keyset: %v", err)
		}
		dbKeyset := storage.DBKeyset{
			Id:                keyset.Id,
			Unit:              keyset.Unit,
			Active:            true,
			DerivationPathIdx: keyset.DerivationPathIdx,
			InputFeePpk:       keyset.InputFeePpk,
			PublicKeys:        keyset.PublicKeys(),
		}
		if err := config.DB.SaveKeyset(ctx, dbKeyset); err != nil {
			return nil, fmt.Errorf("error saving new keyset: %w", err)
		}
		keysets = append(keysets, keyset)
		mint.logInfof("created new active keyset '%v' for unit '%v' at derivation index %v",
			keyset.Id, unit, nextIdx)
	}

	mint.keys, err = keys.NewManager(keysets...)
	if err != nil {
		return nil, err
	}

	mint.keysets = keysetcache.New(config.DB, config.ParseUnit)
	if err := mint.keysets.Refresh(ctx); err != nil {
		return nil, err
	}

	mint.info, err = nut06.NewInfoBuilder[M, U]().
		Name(config.MintInfo.Name).
		Pubkey(config.MintInfo.Pubkey).
		Version(Version).
		Description(config.MintInfo.Description, config.MintInfo.LongDescription).
		Contact(config.MintInfo.Contact...).
		Motd(config.MintInfo.Motd).
		IconURL(config.MintInfo.IconURL).
		URLs(config.MintInfo.URLs...).
		Nut04(config.Settings).
		Build()
	if err != nil {
		return nil, fmt.Errorf("invalid mint info: %w", err)
	}

	mint.logInfof("mint loaded with %v keysets", len(keysets))
	return mint, nil
}

// IsRetryable reports whether a failed mint request can be rerun as is.
func IsRetryable(err error) bool {
	return errors.Is(err, storage.ErrSerializationConflict)
}

// MintTokens signs the outputs for a paid mint quote and marks the quote
// as issued. The signatures are returned in the order of the outputs.
// A request that failed on a serialization conflict is rerun up to the
// configured number of retries.
func (m *Mint[M, U]) MintTokens(
	ctx context.Context,
	method M,
	quoteId string,
	outputs cashu.BlindedMessages,
) (cashu.BlindedSignatures, error) {
	if m.settings.Disabled {
		return nil, cashu.MintingDisabled
	}
	if !m.settings.HasMethod(method) {
		return nil, cashu.PaymentMethodNotSupportedErr
	}

	for attempt := 0; ; attempt++ {
		signatures, err := m.mintTokens(ctx, method, quoteId, outputs)
		if err == nil || !IsRetryable(err) {
			return signatures, err
		}
		if attempt >= m.retries || ctx.Err() != nil {
			m.logErrorf("could not mint quote '%v' after %v attempts: %v", quoteId, attempt+1, err)
			return nil, err
		}
		m.logDebugf("serialization conflict minting quote '%v'. Retrying (%v/%v)",
			quoteId, attempt+1, m.retries)
	}
}

func (m *Mint[M, U]) mintTokens(
	ctx context.Context,
	method M,
	quoteId string,
	outputs cashu.BlindedMessages,
) (cashu.BlindedSignatures, error) {
	tx, err := m.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("error starting db transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil {
			m.logErrorf("error rolling back transaction for quote '%v': %v", quoteId, err)
		}
	}()

	if err := tx.SetSerializable(ctx); err != nil {
		return nil, fmt.Errorf("error setting transaction isolation: %w", err)
	}

	quote, err := tx.GetMintQuoteForIssue(ctx, quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			m.logDebugf("mint quote '%v' does not exist", quoteId)
			return nil, cashu.MintQuoteNotExistErr
		}
		return nil, fmt.Errorf("error reading mint quote: %w", err)
	}

	amount, state := quote.Amount, quote.State
	switch state {
	case nut04.Paid:
	case nut04.Unpaid:
		m.logDebugf("mint quote '%v' has not been paid", quoteId)
		return nil, cashu.MintQuoteRequestNotPaid
	case nut04.Issued:
		m.logDebugf("mint quote '%v' was already issued", quoteId)
		return nil, cashu.MintQuoteAlreadyIssued
	case nut04.Failed:
		m.logDebugf("mint quote '%v' failed", quoteId)
		return nil, cashu.MintQuoteFailed
	default:
		m.logErrorf("mint quote '%v' is in unknown state '%v'", quoteId, state)
		return nil, fmt.Errorf("mint quote '%v' has unknown state %v", quoteId, int(state))
	}
	if method.String() != quote.Method {
		m.logDebugf("mint quote '%v' is for method '%v' but got '%v'", quoteId, quote.Method, method)
		return nil, cashu.QuoteMethodMismatch(method.String(), quote.Method)
	}

	unit, total, err := m.verifyOutputsAllowSingleUnit(ctx, outputs)
	if err != nil {
		m.logDebugf("invalid outputs for mint quote '%v': %v", quoteId, err)
		return nil, err
	}
	if !m.settings.Supports(method, unit) {
		m.logDebugf("minting '%v' with method '%v' is not enabled", unit, method)
		return nil, cashu.UnitNotSupportedErr
	}
	if unit.String() != quote.Unit {
		m.logDebugf("mint quote '%v' is in '%v' but outputs are in '%v'", quoteId, quote.Unit, unit)
		return nil, cashu.QuoteUnitMismatch(unit.String(), quote.Unit)
	}
	if total != amount {
		m.logDebugf("outputs for mint quote '%v' add up to %v but quote is for %v", quoteId, total, amount)
		return nil, cashu.UnbalancedAmounts(total, amount)
	}

	signatures := make(cashu.BlindedSignatures, len(outputs))
	B_s := make([]string, len(outputs))
	for i, output := range outputs {
		signature, err := m.keys.Sign(output.Id, output.Amount, output.B_)
		if err != nil {
			if errors.Is(err, cashu.InvalidBlindedMessageErr) {
				m.logDebugf("invalid blinded message in outputs for mint quote '%v'", quoteId)
				return nil, err
			}
			m.logErrorf("could not sign output for keyset '%v' and amount %v: %v", output.Id, output.Amount, err)
			return nil, fmt.Errorf("error signing output: %w", err)
		}
		signatures[i] = signature
		B_s[i] = output.B_
	}

	if err := tx.SaveBlindSignatures(ctx, quoteId, B_s, signatures); err != nil {
		return nil, m.storeError(quoteId, "error saving blind signatures", err)
	}
	if err := tx.TransitionMintQuoteState(ctx, quoteId, nut04.Paid, nut04.Issued); err != nil {
		return nil, m.storeError(quoteId, "error updating mint quote state", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, m.storeError(quoteId, "error committing transaction", err)
	}

	m.logInfof("issued %v signatures for mint quote '%v' of %v %v", len(signatures), quoteId, amount, unit)
	return signatures, nil
}

func (m *Mint[M, U]) storeError(quoteId, msg string, err error) error {
	switch {
	case errors.Is(err, storage.ErrBlindedMessageExists):
		m.logDebugf("outputs for mint quote '%v' were already signed", quoteId)
		return cashu.BlindedMessageAlreadySigned
	case errors.Is(err, storage.ErrSerializationConflict), errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
	default:
		m.logErrorf("%v for mint quote '%v': %v", msg, quoteId, err)
	}
	return fmt.Errorf("%v: %w", msg, err)
}

// RefreshKeysets reloads the keysets from the db. It picks up keysets
// deactivated or rotated by another process. Signing with a newly
// added keyset requires restarting the mint.
func (m *Mint[M, U]) RefreshKeysets(ctx context.Context) error {
	if err := m.keysets.Refresh(ctx); err != nil {
		return err
	}

	keysets, err := m.db.GetKeysets(ctx)
	if err != nil {
		return fmt.Errorf("error reading keysets from db: %w", err)
	}
	for _, keyset := range keysets {
		if keyset.Active && !m.keys.HasKeyset(keyset.Id) {
			m.logErrorf("active keyset '%v' has no private keys loaded. Restart the mint to derive them", keyset.Id)
		}
	}
	m.logInfof("refreshed %v keysets", m.keysets.Len())
	return nil
}

// ActiveKeysets returns the public keys of the active keysets.
func (m *Mint[M, U]) ActiveKeysets(ctx context.Context) (nut01.GetKeysResponse, error) {
	keysets, err := m.db.GetKeysets(ctx)
	if err != nil {
		return nut01.GetKeysResponse{}, fmt.Errorf("error reading keysets from db: %w", err)
	}
	sortKeysets(keysets)

	response := nut01.GetKeysResponse{Keysets: []nut01.Keyset{}}
	for _, keyset := range keysets {
		if keyset.Active {
			response.Keysets = append(response.Keysets, nut01.Keyset{
				Id:   keyset.Id,
				Unit: keyset.Unit,
				Keys: keyset.PublicKeys,
			})
		}
	}
	return response, nil
}

// GetKeysetById returns the public keys of a keyset, active or not.
func (m *Mint[M, U]) GetKeysetById(ctx context.Context, id string) (nut01.GetKeysResponse, error) {
	keyset, err := m.db.GetKeyset(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrKeysetNotFound) {
			return nut01.GetKeysResponse{}, cashu.UnknownKeysetErr
		}
		return nut01.GetKeysResponse{}, fmt.Errorf("error reading keyset from db: %w", err)
	}
	return nut01.GetKeysResponse{Keysets: []nut01.Keyset{{
		Id:   keyset.Id,
		Unit: keyset.Unit,
		Keys: keyset.PublicKeys,
	}}}, nil
}

// ListKeysets returns every keyset of the mint.
func (m *Mint[M, U]) ListKeysets(ctx context.Context) (nut02.GetKeysetsResponse, error) {
	keysets, err := m.db.GetKeysets(ctx)
	if err != nil {
		return nut02.GetKeysetsResponse{}, fmt.Errorf("error reading keysets from db: %w", err)
	}
	sortKeysets(keysets)

	response := nut02.GetKeysetsResponse{Keysets: make([]nut02.Keyset, len(keysets))}
	for i, keyset := range keysets {
		response.Keysets[i] = nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		}
	}
	return response, nil
}

func (m *Mint[M, U]) Info() nut06.MintInfo[M, U] {
	return m.info
}

func (m *Mint[M, U]) Logger() *slog.Logger {
	return m.logger
}

func sortKeysets(keysets []storage.DBKeyset) {
	slices.SortFunc(keysets, func(a, b storage.DBKeyset) int {
		return cmp.Or(
			strings.Compare(a.Unit, b.Unit),
			cmp.Compare(a.DerivationPathIdx, b.DerivationPathIdx),
		)
	})
}
