// Package storagetest has tests that every storage.MintDB
// implementation is expected to pass.
package storagetest

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
)

// Run runs the whole suite against db. Tests create their own records
// with random ids so db can be shared between them.
func Run(t *testing.T, db storage.MintDB) {
	t.Run("Keysets", func(t *testing.T) { TestKeysets(t, db) })
	t.Run("MintQuotes", func(t *testing.T) { TestMintQuotes(t, db) })
	t.Run("IssueQuote", func(t *testing.T) { TestIssueQuote(t, db) })
	t.Run("Rollback", func(t *testing.T) { TestRollback(t, db) })
	t.Run("StaleTransition", func(t *testing.T) { TestStaleTransition(t, db) })
	t.Run("DuplicateBlindedMessage", func(t *testing.T) { TestDuplicateBlindedMessage(t, db) })
	t.Run("ConcurrentIssue", func(t *testing.T) { TestConcurrentIssue(t, db) })
}

func TestKeysets(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	keyset := RandomKeyset(true)

	if err := db.SaveKeyset(ctx, keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	if err := db.SaveKeyset(ctx, keyset); !errors.Is(err, storage.ErrKeysetAlreadyExists) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrKeysetAlreadyExists, err)
	}

	dbKeyset, err := db.GetKeyset(ctx, keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	if !reflect.DeepEqual(dbKeyset, keyset) {
		t.Fatalf("expected '%+v' but got '%+v'", keyset, dbKeyset)
	}

	if err := db.UpdateKeysetActive(ctx, keyset.Id, false); err != nil {
		t.Fatalf("error updating keyset: %v", err)
	}
	dbKeyset, err = db.GetKeyset(ctx, keyset.Id)
	if err != nil {
		t.Fatalf("error getting keyset: %v", err)
	}
	if dbKeyset.Active {
		t.Fatal("expected keyset to be inactive")
	}

	keysets, err := db.GetKeysets(ctx)
	if err != nil {
		t.Fatalf("error getting keysets: %v", err)
	}
	found := false
	for _, ks := range keysets {
		if ks.Id == keyset.Id {
			found = true
		}
	}
	if !found {
		t.Fatalf("keyset '%v' not in list of keysets", keyset.Id)
	}

	if _, err := db.GetKeyset(ctx, RandomHex(8)); !errors.Is(err, storage.ErrKeysetNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrKeysetNotFound, err)
	}
	if err := db.UpdateKeysetActive(ctx, RandomHex(8), true); !errors.Is(err, storage.ErrKeysetNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrKeysetNotFound, err)
	}
}

func TestMintQuotes(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	quote := RandomQuote(21, nut04.Unpaid)

	if err := db.SaveMintQuote(ctx, quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}
	if err := db.SaveMintQuote(ctx, quote); !errors.Is(err, storage.ErrMintQuoteAlreadyExists) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrMintQuoteAlreadyExists, err)
	}
	if err := db.SaveMintQuote(ctx, RandomQuote(0, nut04.Unpaid)); !errors.Is(err, storage.ErrInvalidMintQuoteAmount) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrInvalidMintQuoteAmount, err)
	}

	dbQuote, err := db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote != quote {
		t.Fatalf("expected '%+v' but got '%+v'", quote, dbQuote)
	}

	if err := db.UpdateMintQuoteState(ctx, quote.Id, nut04.Issued); !errors.Is(err, storage.ErrInvalidStateTransition) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrInvalidStateTransition, err)
	}
	if err := db.UpdateMintQuoteState(ctx, quote.Id, nut04.Paid); err != nil {
		t.Fatalf("error updating mint quote: %v", err)
	}
	dbQuote, err = db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote.State != nut04.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Paid, dbQuote.State)
	}

	if _, err := db.GetMintQuote(ctx, RandomHex(16)); !errors.Is(err, storage.ErrQuoteNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteNotFound, err)
	}
	if err := db.UpdateMintQuoteState(ctx, RandomHex(16), nut04.Paid); !errors.Is(err, storage.ErrQuoteNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteNotFound, err)
	}
}

func TestIssueQuote(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	keyset, quote := seed(t, db, 3, nut04.Paid)

	B_s, sigs := RandomSignatures(keyset.Id, []uint64{1, 2})
	if err := issue(ctx, db, quote.Id, B_s, sigs); err != nil {
		t.Fatalf("unexpected error issuing quote: %v", err)
	}

	dbQuote, err := db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote.State != nut04.Issued {
		t.Fatalf("expected '%v' but got '%v'", nut04.Issued, dbQuote.State)
	}

	dbSigs, err := db.GetBlindSignatures(ctx, B_s)
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(dbSigs) != len(sigs) {
		t.Fatalf("expected '%v' signatures but got '%v'", len(sigs), len(dbSigs))
	}
	for _, sig := range sigs {
		found := false
		for _, dbSig := range dbSigs {
			if dbSig == sig {
				found = true
			}
		}
		if !found {
			t.Fatalf("signature '%+v' not found", sig)
		}
	}
}

func TestRollback(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	keyset, quote := seed(t, db, 1, nut04.Paid)

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("error starting tx: %v", err)
	}
	if err := tx.SetSerializable(ctx); err != nil {
		t.Fatalf("error setting isolation: %v", err)
	}
	dbQuote, err := tx.GetMintQuoteForIssue(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error reading quote: %v", err)
	}
	if dbQuote != quote {
		t.Fatalf("expected quote '%+v' but got '%+v'", quote, dbQuote)
	}

	B_s, sigs := RandomSignatures(keyset.Id, []uint64{1})
	if err := tx.SaveBlindSignatures(ctx, quote.Id, B_s, sigs); err != nil {
		t.Fatalf("error saving signatures: %v", err)
	}
	if err := tx.TransitionMintQuoteState(ctx, quote.Id, nut04.Paid, nut04.Issued); err != nil {
		t.Fatalf("error transitioning quote: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("error rolling back: %v", err)
	}

	dbQuote, err = db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote.State != nut04.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Paid, dbQuote.State)
	}
	dbSigs, err := db.GetBlindSignatures(ctx, B_s)
	if err != nil {
		t.Fatalf("error getting blind signatures: %v", err)
	}
	if len(dbSigs) != 0 {
		t.Fatalf("expected no signatures after rollback but got '%v'", len(dbSigs))
	}

	// not found inside a tx
	tx, err = db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("error starting tx: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SetSerializable(ctx); err != nil {
		t.Fatalf("error setting isolation: %v", err)
	}
	if _, err := tx.GetMintQuoteForIssue(ctx, RandomHex(16)); !errors.Is(err, storage.ErrQuoteNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrQuoteNotFound, err)
	}
}

func TestStaleTransition(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	_, quote := seed(t, db, 1, nut04.Unpaid)

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("error starting tx: %v", err)
	}
	defer tx.Rollback(ctx)
	if err := tx.SetSerializable(ctx); err != nil {
		t.Fatalf("error setting isolation: %v", err)
	}

	err = tx.TransitionMintQuoteState(ctx, quote.Id, nut04.Paid, nut04.Issued)
	if err == nil {
		err = tx.Commit(ctx)
	}
	if !errors.Is(err, storage.ErrSerializationConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrSerializationConflict, err)
	}

	dbQuote, err := db.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote.State != nut04.Unpaid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Unpaid, dbQuote.State)
	}
}

func TestDuplicateBlindedMessage(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	keyset, quote := seed(t, db, 1, nut04.Paid)
	_, otherQuote := seed(t, db, 1, nut04.Paid)

	B_s, sigs := RandomSignatures(keyset.Id, []uint64{1})
	if err := issue(ctx, db, quote.Id, B_s, sigs); err != nil {
		t.Fatalf("unexpected error issuing quote: %v", err)
	}

	err := issue(ctx, db, otherQuote.Id, B_s, sigs)
	if !errors.Is(err, storage.ErrBlindedMessageExists) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrBlindedMessageExists, err)
	}

	dbQuote, err := db.GetMintQuote(ctx, otherQuote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote.State != nut04.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Paid, dbQuote.State)
	}

	// same B_ twice in one batch
	B_, sig := RandomSignatures(keyset.Id, []uint64{1})
	err = issue(ctx, db, otherQuote.Id, []string{B_[0], B_[0]}, cashu.BlindedSignatures{sig[0], sig[0]})
	if !errors.Is(err, storage.ErrBlindedMessageExists) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrBlindedMessageExists, err)
	}
}

// TestConcurrentIssue races several transactions on the same paid quote.
// Exactly one must commit.
func TestConcurrentIssue(t *testing.T, db storage.MintDB) {
	ctx := context.Background()
	keyset, quote := seed(t, db, 1, nut04.Paid)

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			B_s, sigs := RandomSignatures(keyset.Id, []uint64{1})
			errs[i] = issue(ctx, db, quote.Id, B_s, sigs)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, storage.ErrSerializationConflict), errors.Is(err, errNotPaid):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful issuance but got '%v'", successes)
	}
}

var errNotPaid = errors.New("quote not paid")

// issue runs the same transaction the mint runs for a paid quote.
func issue(ctx context.Context, db storage.MintDB, quoteId string, B_s []string, sigs cashu.BlindedSignatures) error {
	tx, err := db.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.SetSerializable(ctx); err != nil {
		return err
	}
	quote, err := tx.GetMintQuoteForIssue(ctx, quoteId)
	if err != nil {
		return err
	}
	if quote.State != nut04.Paid {
		return errNotPaid
	}
	if err := tx.SaveBlindSignatures(ctx, quoteId, B_s, sigs); err != nil {
		return err
	}
	if err := tx.TransitionMintQuoteState(ctx, quoteId, nut04.Paid, nut04.Issued); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func seed(t *testing.T, db storage.MintDB, amount uint64, state nut04.State) (storage.DBKeyset, storage.MintQuote) {
	ctx := context.Background()
	keyset := RandomKeyset(true)
	if err := db.SaveKeyset(ctx, keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	quote := RandomQuote(amount, nut04.Unpaid)
	if err := db.SaveMintQuote(ctx, quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}
	if state == nut04.Paid {
		if err := db.UpdateMintQuoteState(ctx, quote.Id, nut04.Paid); err != nil {
			t.Fatalf("error updating mint quote: %v", err)
		}
		quote.State = nut04.Paid
	}
	return keyset, quote
}

func RandomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

func RandomKeyset(active bool) storage.DBKeyset {
	return storage.DBKeyset{
		Id:                "00" + RandomHex(7),
		Unit:              "sat",
		Active:            active,
		DerivationPathIdx: 0,
		InputFeePpk:       0,
		PublicKeys: map[uint64]string{
			1: "02" + RandomHex(32),
			2: "03" + RandomHex(32),
		},
	}
}

func RandomQuote(amount uint64, state nut04.State) storage.MintQuote {
	return storage.MintQuote{
		Id:     cashu.GenerateRandomQuoteId(),
		Method: cashu.BOLT11_METHOD,
		Unit:   "sat",
		Amount: amount,
		State:  state,
	}
}

func RandomSignatures(keysetId string, amounts []uint64) ([]string, cashu.BlindedSignatures) {
	B_s := make([]string, len(amounts))
	sigs := make(cashu.BlindedSignatures, len(amounts))
	for i, amount := range amounts {
		B_s[i] = "02" + RandomHex(32)
		sigs[i] = cashu.BlindedSignature{Amount: amount, Id: keysetId, C_: "03" + RandomHex(32)}
	}
	return B_s, sigs
}
