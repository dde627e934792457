package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/elnosh/gonuts-mint/mint/storage/storagetest"
)

func TestMemoryDB(t *testing.T) {
	storagetest.Run(t, NewMemoryDB())
}

func TestInterleavedTransactions(t *testing.T) {
	ctx := context.Background()
	db := NewMemoryDB()

	keyset := storagetest.RandomKeyset(true)
	if err := db.SaveKeyset(ctx, keyset); err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
	quote := storagetest.RandomQuote(1, nut04.Paid)
	if err := db.SaveMintQuote(ctx, quote); err != nil {
		t.Fatalf("error saving quote: %v", err)
	}

	begin := func() storage.Tx {
		tx, err := db.BeginTx(ctx)
		if err != nil {
			t.Fatalf("error starting tx: %v", err)
		}
		if dbQuote, err := tx.GetMintQuoteForIssue(ctx, quote.Id); err != nil || dbQuote.State != nut04.Paid {
			t.Fatalf("expected '%v' but got '%v' (%v)", nut04.Paid, dbQuote.State, err)
		}
		return tx
	}

	tx1 := begin()
	tx2 := begin()

	for _, tx := range []storage.Tx{tx1, tx2} {
		B_s, sigs := storagetest.RandomSignatures(keyset.Id, []uint64{1})
		if err := tx.SaveBlindSignatures(ctx, quote.Id, B_s, sigs); err != nil {
			t.Fatalf("error saving signatures: %v", err)
		}
		if err := tx.TransitionMintQuoteState(ctx, quote.Id, nut04.Paid, nut04.Issued); err != nil {
			t.Fatalf("error transitioning quote: %v", err)
		}
	}

	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("unexpected error committing first tx: %v", err)
	}
	if err := tx2.Commit(ctx); !errors.Is(err, storage.ErrSerializationConflict) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrSerializationConflict, err)
	}
	if err := tx2.Rollback(ctx); err != nil {
		t.Fatalf("unexpected error on rollback: %v", err)
	}
	if err := tx1.Commit(ctx); !errors.Is(err, storage.ErrTxDone) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrTxDone, err)
	}
}

func TestCancelledContext(t *testing.T) {
	db := NewMemoryDB()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := db.BeginTx(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected '%v' but got '%v'", context.Canceled, err)
	}
}
