package sqlite

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"

	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/elnosh/gonuts-mint/mint/storage/storagetest"
)

var (
	db *SQLiteDB
)

func TestMain(m *testing.M) {
	code, err := testMain(m)
	if err != nil {
		log.Println(err)
	}
	os.Exit(code)
}

func testMain(m *testing.M) (int, error) {
	dbpath := "./testsqlite"
	err := os.MkdirAll(dbpath, 0750)
	if err != nil {
		return 1, err
	}
	defer os.RemoveAll(dbpath)

	db, err = InitSQLite(dbpath)
	if err != nil {
		return 1, err
	}
	defer db.Close()

	return m.Run(), nil
}

func TestSQLiteDB(t *testing.T) {
	storagetest.Run(t, db)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	dbpath := t.TempDir()

	first, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("error opening db: %v", err)
	}
	quote := storagetest.RandomQuote(10, nut04.Paid)
	if err := first.SaveMintQuote(ctx, quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}
	first.Close()

	second, err := InitSQLite(dbpath)
	if err != nil {
		t.Fatalf("error reopening db: %v", err)
	}
	defer second.Close()

	dbQuote, err := second.GetMintQuote(ctx, quote.Id)
	if err != nil {
		t.Fatalf("error getting mint quote: %v", err)
	}
	if dbQuote != quote {
		t.Fatalf("expected '%+v' but got '%+v'", quote, dbQuote)
	}
}

func TestSignatureForUnknownKeyset(t *testing.T) {
	ctx := context.Background()
	quote := storagetest.RandomQuote(1, nut04.Paid)
	if err := db.SaveMintQuote(ctx, quote); err != nil {
		t.Fatalf("error saving mint quote: %v", err)
	}

	tx, err := db.BeginTx(ctx)
	if err != nil {
		t.Fatalf("error starting tx: %v", err)
	}
	defer tx.Rollback(ctx)

	B_s, sigs := storagetest.RandomSignatures("00"+storagetest.RandomHex(7), []uint64{1})
	err = tx.SaveBlindSignatures(ctx, quote.Id, B_s, sigs)
	if err == nil {
		t.Fatal("expected foreign key error saving signature for unknown keyset")
	}
	if errors.Is(err, storage.ErrBlindedMessageExists) {
		t.Fatalf("unexpected error kind: %v", err)
	}
}
