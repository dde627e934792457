package mint

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
)

// CreateMintQuote stores a new unpaid quote for amount. Payment is
// confirmed out of band with SetMintQuoteState.
func (m *Mint[M, U]) CreateMintQuote(
	ctx context.Context,
	method M,
	unit U,
	amount uint64,
) (storage.MintQuote, error) {
	if m.settings.Disabled {
		return storage.MintQuote{}, cashu.MintingDisabled
	}
	if !m.settings.HasMethod(method) {
		return storage.MintQuote{}, cashu.PaymentMethodNotSupportedErr
	}
	setting, ok := m.settings.Setting(method, unit)
	if !ok {
		return storage.MintQuote{}, cashu.UnitNotSupportedErr
	}
	// amounts are stored as signed 64-bit integers by the sql stores
	if amount == 0 || amount > math.MaxInt64 || amount < setting.MinAmount ||
		(setting.MaxAmount > 0 && amount > setting.MaxAmount) {
		return storage.MintQuote{}, cashu.MintAmountOutOfLimitsErr
	}

	quote := storage.MintQuote{
		Id:     cashu.GenerateRandomQuoteId(),
		Method: method.String(),
		Unit:   unit.String(),
		Amount: amount,
		State:  nut04.Unpaid,
	}
	if err := m.db.SaveMintQuote(ctx, quote); err != nil {
		m.logErrorf("error saving mint quote: %v", err)
		return storage.MintQuote{}, fmt.Errorf("error saving mint quote: %w", err)
	}

	m.logInfof("created mint quote '%v' for %v %v", quote.Id, amount, unit)
	return quote, nil
}

func (m *Mint[M, U]) GetMintQuote(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	quote, err := m.db.GetMintQuote(ctx, quoteId)
	if err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return storage.MintQuote{}, cashu.MintQuoteNotExistErr
		}
		return storage.MintQuote{}, fmt.Errorf("error reading mint quote: %w", err)
	}
	return quote, nil
}

// SetMintQuoteState records the outcome of the payment for a quote.
// It only sets Paid or Failed. Issued is reached through MintTokens.
func (m *Mint[M, U]) SetMintQuoteState(ctx context.Context, quoteId string, state nut04.State) error {
	if state != nut04.Paid && state != nut04.Failed {
		return fmt.Errorf("%w: cannot set quote state to %v", storage.ErrInvalidStateTransition, state)
	}

	if err := m.db.UpdateMintQuoteState(ctx, quoteId, state); err != nil {
		if errors.Is(err, storage.ErrQuoteNotFound) {
			return cashu.MintQuoteNotExistErr
		}
		return fmt.Errorf("error updating mint quote state: %w", err)
	}

	m.logInfof("mint quote '%v' is now %v", quoteId, state)
	return nil
}

// DeactivateKeyset stops the mint from signing with the keyset.
// Other mint processes sharing the db pick it up on RefreshKeysets.
func (m *Mint[M, U]) DeactivateKeyset(ctx context.Context, keysetId string) error {
	if err := m.db.UpdateKeysetActive(ctx, keysetId, false); err != nil {
		if errors.Is(err, storage.ErrKeysetNotFound) {
			return cashu.UnknownKeysetErr
		}
		return fmt.Errorf("error deactivating keyset: %w", err)
	}
	m.keysets.Invalidate(keysetId)

	m.logInfof("deactivated keyset '%v'", keysetId)
	return nil
}
