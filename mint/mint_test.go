package mint

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/crypto"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/elnosh/gonuts-mint/mint/storage/memory"
	"github.com/elnosh/gonuts-mint/mint/storage/storagetest"
	"github.com/elnosh/gonuts-mint/testutils"
)

type testMint = Mint[cashu.Method, cashu.Unit]

// mint with an inactive sat keyset, an active usd keyset and the
// active sat keyset created by LoadMint. Only bolt11 sat is enabled.
type fixture struct {
	db       *memory.MemoryDB
	mint     *testMint
	seed     []byte
	active   *crypto.MintKeyset
	inactive *crypto.MintKeyset
	usd      *crypto.MintKeyset
}

func bolt11Sat() nut04.Settings[cashu.Method, cashu.Unit] {
	return nut04.Settings[cashu.Method, cashu.Unit]{
		Methods: []nut04.MethodSetting[cashu.Method, cashu.Unit]{
			{Method: cashu.Bolt11, Unit: cashu.Sat},
		},
	}
}

func testConfig(db storage.MintDB, seed []byte) Config[cashu.Method, cashu.Unit] {
	return Config[cashu.Method, cashu.Unit]{
		DB:                   db,
		Seed:                 seed,
		Unit:                 cashu.Sat,
		ParseUnit:            cashu.ParseUnit,
		Settings:             bolt11Sat(),
		SerializationRetries: DefaultSerializationRetries,
		MintInfo:             MintInfo{Name: "test mint"},
		LogLevel:             Disable,
	}
}

func newSeed(t *testing.T) []byte {
	seed, err := hdkeychain.GenerateSeed(32)
	if err != nil {
		t.Fatal(err)
	}
	return seed
}

func deriveKeyset(t *testing.T, seed []byte, unit string, idx uint32, active bool) *crypto.MintKeyset {
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		t.Fatal(err)
	}
	keyset, err := crypto.GenerateKeyset(master, unit, idx, 0, active)
	if err != nil {
		t.Fatal(err)
	}
	return keyset
}

func saveKeyset(t *testing.T, db storage.MintDB, keyset *crypto.MintKeyset) {
	err := db.SaveKeyset(context.Background(), storage.DBKeyset{
		Id:                keyset.Id,
		Unit:              keyset.Unit,
		Active:            keyset.Active,
		DerivationPathIdx: keyset.DerivationPathIdx,
		InputFeePpk:       keyset.InputFeePpk,
		PublicKeys:        keyset.PublicKeys(),
	})
	if err != nil {
		t.Fatalf("error saving keyset: %v", err)
	}
}

func setupFixture(t *testing.T, db storage.MintDB, retries int) *fixture {
	seed := newSeed(t)
	f := &fixture{
		seed:     seed,
		inactive: deriveKeyset(t, seed, "sat", 0, false),
		usd:      deriveKeyset(t, seed, "usd", 0, true),
		active:   deriveKeyset(t, seed, "sat", 1, true),
	}
	if memDB, ok := db.(*memory.MemoryDB); ok {
		f.db = memDB
	}
	saveKeyset(t, db, f.inactive)
	saveKeyset(t, db, f.usd)

	config := testConfig(db, seed)
	config.SerializationRetries = retries
	mint, err := LoadMint(context.Background(), config)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	if !mint.keys.HasKeyset(f.active.Id) {
		t.Fatalf("expected mint to create keyset '%v' but has '%v'", f.active.Id, mint.keys.KeysetIds())
	}
	f.mint = mint
	return f
}

func paidQuote(t *testing.T, db storage.MintDB, amount uint64) string {
	quote := storagetest.RandomQuote(amount, nut04.Paid)
	if err := db.SaveMintQuote(context.Background(), quote); err != nil {
		t.Fatalf("error saving quote: %v", err)
	}
	return quote.Id
}

func quoteState(t *testing.T, db storage.MintDB, quoteId string) nut04.State {
	quote, err := db.GetMintQuote(context.Background(), quoteId)
	if err != nil {
		t.Fatalf("error getting quote: %v", err)
	}
	return quote.State
}

func blindedMessages(t *testing.T, keysetId string, amounts ...uint64) (cashu.BlindedMessages, []string, []*secp256k1.PrivateKey) {
	outputs, secrets, rs, err := testutils.CreateBlindedMessagesForAmounts(amounts, keysetId)
	if err != nil {
		t.Fatalf("error creating blinded messages: %v", err)
	}
	return outputs, secrets, rs
}

func TestLoadMint(t *testing.T) {
	ctx := context.Background()
	db := memory.NewMemoryDB()
	seed := newSeed(t)

	var logs bytes.Buffer
	config := testConfig(db, seed)
	config.LogLevel = Info
	config.LogWriter = &logs

	mint, err := LoadMint(ctx, config)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	if !strings.Contains(logs.String(), "created new active keyset") {
		t.Fatalf("expected log of new keyset but got '%v'", logs.String())
	}

	expected := deriveKeyset(t, seed, "sat", 0, true)
	keysets, err := db.GetKeysets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keysets) != 1 || keysets[0].Id != expected.Id || !keysets[0].Active {
		t.Fatalf("expected active keyset '%v' but got '%+v'", expected.Id, keysets)
	}
	if !mint.keys.HasKeyset(expected.Id) {
		t.Fatalf("expected keys for keyset '%v'", expected.Id)
	}

	info := mint.Info()
	if info.Name != "test mint" || *info.Version != Version {
		t.Fatalf("unexpected mint info: %+v", info)
	}
	if !info.Nuts.Nut04.Supports(cashu.Bolt11, cashu.Sat) {
		t.Fatal("expected mint info to advertise bolt11 sat")
	}

	// loading again reuses the keyset
	config.LogWriter = nil
	config.LogLevel = Disable
	if _, err := LoadMint(ctx, config); err != nil {
		t.Fatalf("error reloading mint: %v", err)
	}
	keysets, err = db.GetKeysets(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keysets) != 1 {
		t.Fatalf("expected '%v' keysets but got '%v'", 1, len(keysets))
	}

	// keysets in db must be derivable from the seed
	config.Seed = newSeed(t)
	if _, err := LoadMint(ctx, config); err == nil {
		t.Fatal("expected error loading mint with a different seed")
	}
}

func TestLoadMintInvalidConfig(t *testing.T) {
	ctx := context.Background()

	noParser := testConfig(memory.NewMemoryDB(), newSeed(t))
	noParser.ParseUnit = nil

	noSeed := testConfig(memory.NewMemoryDB(), nil)

	negativeRetries := testConfig(memory.NewMemoryDB(), newSeed(t))
	negativeRetries.SerializationRetries = -1

	noName := testConfig(memory.NewMemoryDB(), newSeed(t))
	noName.MintInfo.Name = ""

	badLimits := testConfig(memory.NewMemoryDB(), newSeed(t))
	badLimits.Settings.Methods[0].MinAmount = 100
	badLimits.Settings.Methods[0].MaxAmount = 10

	tests := []struct {
		name   string
		config Config[cashu.Method, cashu.Unit]
	}{
		{"no unit parser", noParser},
		{"no seed", noSeed},
		{"negative retries", negativeRetries},
		{"no name", noName},
		{"min over max", badLimits},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := LoadMint(ctx, test.config); err == nil {
				t.Fatal("expected error loading mint")
			}
		})
	}
}

func TestMintTokens(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)

	quoteId := paidQuote(t, f.db, 10)
	outputs, secrets, rs := blindedMessages(t, f.active.Id, 2, 8)

	signatures, err := f.mint.MintTokens(ctx, cashu.Bolt11, quoteId, outputs)
	if err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
	if len(signatures) != 2 {
		t.Fatalf("expected '%v' signatures but got '%v'", 2, len(signatures))
	}
	for i, signature := range signatures {
		if signature.Amount != outputs[i].Amount || signature.Id != f.active.Id {
			t.Fatalf("expected signature for '%v' but got '%+v'", outputs[i], signature)
		}
	}
	if err := testutils.VerifySignatures(signatures, secrets, rs, f.active); err != nil {
		t.Fatalf("invalid signatures: %v", err)
	}

	if state := quoteState(t, f.db, quoteId); state != nut04.Issued {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Issued, state)
	}
	stored, err := f.db.GetBlindSignatures(ctx, []string{outputs[0].B_, outputs[1].B_})
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected '%v' stored signatures but got '%v'", 2, len(stored))
	}

	// quote can only be issued once
	moreOutputs, _, _ := blindedMessages(t, f.active.Id, 2, 8)
	_, err = f.mint.MintTokens(ctx, cashu.Bolt11, quoteId, moreOutputs)
	if !errors.Is(err, cashu.MintQuoteAlreadyIssued) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintQuoteAlreadyIssued, err)
	}
}

func TestMintTokensPreservesOrder(t *testing.T) {
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)

	amounts := []uint64{8, 1, 4, 2, 1, 16}
	quoteId := paidQuote(t, f.db, 32)
	outputs, secrets, rs := blindedMessages(t, f.active.Id, amounts...)

	signatures, err := f.mint.MintTokens(context.Background(), cashu.Bolt11, quoteId, outputs)
	if err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
	for i, amount := range amounts {
		if signatures[i].Amount != amount {
			t.Fatalf("expected amount '%v' at %v but got '%v'", amount, i, signatures[i].Amount)
		}
	}
	// each signature unblinds with the secret of the output at the same index
	if err := testutils.VerifySignatures(signatures, secrets, rs, f.active); err != nil {
		t.Fatalf("invalid signatures: %v", err)
	}
}

func TestMintTokensQuoteState(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)

	tests := []struct {
		state       nut04.State
		expectedErr error
	}{
		{nut04.Unpaid, cashu.MintQuoteRequestNotPaid},
		{nut04.Issued, cashu.MintQuoteAlreadyIssued},
		{nut04.Failed, cashu.MintQuoteFailed},
	}

	for _, test := range tests {
		t.Run(test.state.String(), func(t *testing.T) {
			quote := storagetest.RandomQuote(10, test.state)
			if err := f.db.SaveMintQuote(ctx, quote); err != nil {
				t.Fatal(err)
			}
			outputs, _, _ := blindedMessages(t, f.active.Id, 2, 8)

			_, err := f.mint.MintTokens(ctx, cashu.Bolt11, quote.Id, outputs)
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
			}
			if state := quoteState(t, f.db, quote.Id); state != test.state {
				t.Fatalf("expected quote state '%v' but got '%v'", test.state, state)
			}
			assertNotSigned(t, f.db, outputs)
		})
	}

	outputs, _, _ := blindedMessages(t, f.active.Id, 2, 8)
	_, err := f.mint.MintTokens(ctx, cashu.Bolt11, cashu.GenerateRandomQuoteId(), outputs)
	if !errors.Is(err, cashu.MintQuoteNotExistErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintQuoteNotExistErr, err)
	}

	// a state the mint does not know about is an internal error
	unknown := storagetest.RandomQuote(10, nut04.Unknown)
	if err := f.db.SaveMintQuote(ctx, unknown); err != nil {
		t.Fatal(err)
	}
	_, err = f.mint.MintTokens(ctx, cashu.Bolt11, unknown.Id, outputs)
	var cashuErr cashu.Error
	if err == nil || errors.As(err, &cashuErr) {
		t.Fatalf("expected internal error but got '%v'", err)
	}
	assertNotSigned(t, f.db, outputs)
}

func TestMintTokensInvalidOutputs(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)
	quoteId := paidQuote(t, f.db, 8)

	under, _, _ := blindedMessages(t, f.active.Id, 4, 2, 1)
	over, _, _ := blindedMessages(t, f.active.Id, 8, 1)
	inactive, _, _ := blindedMessages(t, f.inactive.Id, 8)
	unknown, _, _ := blindedMessages(t, "00ffffffffffffff", 8)
	badAmount, _, _ := blindedMessages(t, f.active.Id, 3, 5)
	mixed, _, _ := blindedMessages(t, f.active.Id, 4)
	usdOutputs, _, _ := blindedMessages(t, f.usd.Id, 4)
	mixed = append(mixed, usdOutputs...)
	usdOnly, _, _ := blindedMessages(t, f.usd.Id, 8)
	overflow, _, _ := blindedMessages(t, f.active.Id, 1<<63, 1<<63)
	invalidB_, _, _ := blindedMessages(t, f.active.Id, 8)
	invalidB_[0].B_ = "02zz"
	duplicate, _, _ := blindedMessages(t, f.active.Id, 4)
	duplicate = append(duplicate, duplicate[0])

	tests := []struct {
		name        string
		outputs     cashu.BlindedMessages
		expectedErr error
	}{
		{"empty outputs", cashu.BlindedMessages{}, cashu.EmptyOutputsErr},
		{"amount under quote", under, cashu.UnbalancedAmountsErr},
		{"amount over quote", over, cashu.UnbalancedAmountsErr},
		{"inactive keyset", inactive, cashu.InactiveKeysetSignatureRequest},
		{"unknown keyset", unknown, cashu.UnknownKeysetErr},
		{"unsupported amount", badAmount, cashu.AmountNotSupportedErr},
		{"multiple units", mixed, cashu.MultipleUnitsErr},
		{"unit not enabled", usdOnly, cashu.UnitNotSupportedErr},
		{"amount overflow", overflow, cashu.AmountOverflowErr},
		{"invalid blinded message", invalidB_, cashu.InvalidBlindedMessageErr},
		{"duplicate blinded message", duplicate, cashu.BlindedMessageAlreadySigned},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := f.mint.MintTokens(ctx, cashu.Bolt11, quoteId, test.outputs)
			if !errors.Is(err, test.expectedErr) {
				t.Fatalf("expected error '%v' but got '%v'", test.expectedErr, err)
			}
			if IsRetryable(err) {
				t.Fatalf("expected validation error to not be retryable: %v", err)
			}
			if state := quoteState(t, f.db, quoteId); state != nut04.Paid {
				t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, state)
			}
			assertNotSigned(t, f.db, test.outputs)
		})
	}

	// quote can still be issued with valid outputs
	outputs, _, _ := blindedMessages(t, f.active.Id, 8)
	if _, err := f.mint.MintTokens(ctx, cashu.Bolt11, quoteId, outputs); err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
}

func TestMintTokensQuoteUnitAndMethod(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)
	f.mint.settings.Methods = append(f.mint.settings.Methods,
		nut04.MethodSetting[cashu.Method, cashu.Unit]{Method: cashu.Bolt11, Unit: cashu.Usd})

	quote, err := f.mint.CreateMintQuote(ctx, cashu.Bolt11, cashu.Sat, 8)
	if err != nil {
		t.Fatalf("unexpected error creating quote: %v", err)
	}
	if err := f.mint.SetMintQuoteState(ctx, quote.Id, nut04.Paid); err != nil {
		t.Fatalf("unexpected error setting quote state: %v", err)
	}

	usdOutputs, _, _ := blindedMessages(t, f.usd.Id, 8)
	_, err = f.mint.MintTokens(ctx, cashu.Bolt11, quote.Id, usdOutputs)
	if !errors.Is(err, cashu.UnitNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.UnitNotSupportedErr, err)
	}
	assertNotSigned(t, f.db, usdOutputs)

	otherMethod := storagetest.RandomQuote(8, nut04.Paid)
	otherMethod.Method = "bolt12"
	if err := f.db.SaveMintQuote(ctx, otherMethod); err != nil {
		t.Fatal(err)
	}
	satOutputs, _, _ := blindedMessages(t, f.active.Id, 8)
	_, err = f.mint.MintTokens(ctx, cashu.Bolt11, otherMethod.Id, satOutputs)
	if !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.PaymentMethodNotSupportedErr, err)
	}
	assertNotSigned(t, f.db, satOutputs)

	for _, id := range []string{quote.Id, otherMethod.Id} {
		if state := quoteState(t, f.db, id); state != nut04.Paid {
			t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, state)
		}
	}

	// the quote is still redeemable in its own unit
	if _, err := f.mint.MintTokens(ctx, cashu.Bolt11, quote.Id, satOutputs); err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}
}

func TestMintTokensUnbalancedDetail(t *testing.T) {
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)
	quoteId := paidQuote(t, f.db, 10)
	outputs, _, _ := blindedMessages(t, f.active.Id, 8, 1)

	_, err := f.mint.MintTokens(context.Background(), cashu.Bolt11, quoteId, outputs)
	var cashuErr *cashu.Error
	if !errors.As(err, &cashuErr) {
		t.Fatalf("expected cashu error but got '%v'", err)
	}
	expected := cashu.UnbalancedAmounts(9, 10)
	if *cashuErr != *expected {
		t.Fatalf("expected error '%v' but got '%v'", expected, cashuErr)
	}
}

func TestMintTokensOutputsAlreadySigned(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)

	outputs, _, _ := blindedMessages(t, f.active.Id, 2, 8)
	first := paidQuote(t, f.db, 10)
	if _, err := f.mint.MintTokens(ctx, cashu.Bolt11, first, outputs); err != nil {
		t.Fatalf("unexpected error minting tokens: %v", err)
	}

	second := paidQuote(t, f.db, 10)
	_, err := f.mint.MintTokens(ctx, cashu.Bolt11, second, outputs)
	if !errors.Is(err, cashu.BlindedMessageAlreadySigned) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.BlindedMessageAlreadySigned, err)
	}
	if state := quoteState(t, f.db, second); state != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, state)
	}
}

func TestMintTokensSettings(t *testing.T) {
	ctx := context.Background()
	db := memory.NewMemoryDB()
	seed := newSeed(t)

	disabled := testConfig(db, seed)
	disabled.Settings.Disabled = true
	mint, err := LoadMint(ctx, disabled)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	keysetId := mint.keys.KeysetIds()[0]
	quoteId := paidQuote(t, db, 8)
	outputs, _, _ := blindedMessages(t, keysetId, 8)

	_, err = mint.MintTokens(ctx, cashu.Bolt11, quoteId, outputs)
	if !errors.Is(err, cashu.MintingDisabled) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.MintingDisabled, err)
	}

	noMethods := testConfig(db, seed)
	noMethods.Settings = nut04.Settings[cashu.Method, cashu.Unit]{}
	mint, err = LoadMint(ctx, noMethods)
	if err != nil {
		t.Fatalf("error loading mint: %v", err)
	}
	_, err = mint.MintTokens(ctx, cashu.Bolt11, quoteId, outputs)
	if !errors.Is(err, cashu.PaymentMethodNotSupportedErr) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.PaymentMethodNotSupportedErr, err)
	}

	if state := quoteState(t, db, quoteId); state != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, state)
	}
}

func TestMintTokensCanceledContext(t *testing.T) {
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)
	quoteId := paidQuote(t, f.db, 10)
	outputs, _, _ := blindedMessages(t, f.active.Id, 2, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.mint.MintTokens(ctx, cashu.Bolt11, quoteId, outputs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected error '%v' but got '%v'", context.Canceled, err)
	}
	if state := quoteState(t, f.db, quoteId); state != nut04.Paid {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Paid, state)
	}
	assertNotSigned(t, f.db, outputs)
}

// barrierDB makes the first two transactions wait for each other
// after reading the quote, so both see it as paid.
type barrierDB struct {
	storage.MintDB
	reads   sync.WaitGroup
	waiting atomic.Int32
}

func newBarrierDB(db storage.MintDB) *barrierDB {
	b := &barrierDB{MintDB: db}
	b.reads.Add(2)
	return b
}

func (b *barrierDB) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := b.MintDB.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &barrierTx{Tx: tx, db: b}, nil
}

type barrierTx struct {
	storage.Tx
	db *barrierDB
}

func (tx *barrierTx) GetMintQuoteForIssue(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	quote, err := tx.Tx.GetMintQuoteForIssue(ctx, quoteId)
	if tx.db.waiting.Add(1) <= 2 {
		tx.db.reads.Done()
		tx.db.reads.Wait()
	}
	return quote, err
}

func mintConcurrently(t *testing.T, retries int) []error {
	db := newBarrierDB(memory.NewMemoryDB())
	f := setupFixture(t, db, retries)
	quoteId := paidQuote(t, db, 10)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		outputs, _, _ := blindedMessages(t, f.active.Id, 2, 8)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.mint.MintTokens(context.Background(), cashu.Bolt11, quoteId, outputs)
		}()
	}
	wg.Wait()

	if state := quoteState(t, db, quoteId); state != nut04.Issued {
		t.Fatalf("expected quote state '%v' but got '%v'", nut04.Issued, state)
	}
	return errs
}

func TestConcurrentMintTokens(t *testing.T) {
	t.Run("without retries", func(t *testing.T) {
		errs := mintConcurrently(t, 0)

		successes, conflicts := 0, 0
		for _, err := range errs {
			if err == nil {
				successes++
			} else if IsRetryable(err) {
				conflicts++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if successes != 1 || conflicts != 1 {
			t.Fatalf("expected one success and one conflict but got '%v'", errs)
		}
	})

	t.Run("with retries", func(t *testing.T) {
		errs := mintConcurrently(t, 1)

		successes, issued := 0, 0
		for _, err := range errs {
			if err == nil {
				successes++
			} else if errors.Is(err, cashu.MintQuoteAlreadyIssued) {
				issued++
			} else {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if successes != 1 || issued != 1 {
			t.Fatalf("expected one success and one already issued but got '%v'", errs)
		}
	})
}

func TestRefreshKeysets(t *testing.T) {
	ctx := context.Background()
	f := setupFixture(t, memory.NewMemoryDB(), DefaultSerializationRetries)

	if err := f.db.UpdateKeysetActive(ctx, f.active.Id, false); err != nil {
		t.Fatal(err)
	}
	if err := f.mint.RefreshKeysets(ctx); err != nil {
		t.Fatalf("error refreshing keysets: %v", err)
	}

	quoteId := paidQuote(t, f.db, 8)
	outputs, _, _ := blindedMessages(t, f.active.Id, 8)
	_, err := f.mint.MintTokens(ctx, cashu.Bolt11, quoteId, outputs)
	if !errors.Is(err, cashu.InactiveKeysetSignatureRequest) {
		t.Fatalf("expected error '%v' but got '%v'", cashu.InactiveKeysetSignatureRequest, err)
	}
}

func assertNotSigned(t *testing.T, db storage.MintDB, outputs cashu.BlindedMessages) {
	t.Helper()
	B_s := make([]string, len(outputs))
	for i, output := range outputs {
		B_s[i] = output.B_
	}
	signatures, err := db.GetBlindSignatures(context.Background(), B_s)
	if err != nil {
		t.Fatal(err)
	}
	if len(signatures) != 0 {
		t.Fatalf("expected no stored signatures but got '%v'", len(signatures))
	}
}

func TestOverflowAddUint64(t *testing.T) {
	tests := []struct {
		a                uint64
		b                uint64
		expectedUint64   uint64
		expectedOverflow bool
	}{
		{
			a:                21,
			b:                42,
			expectedUint64:   63,
			expectedOverflow: false,
		},
		{
			a:                math.MaxUint64 - 5,
			b:                10,
			expectedUint64:   math.MaxUint64,
			expectedOverflow: true,
		},
		{
			a:                math.MaxUint64 - 10,
			b:                10,
			expectedUint64:   math.MaxUint64,
			expectedOverflow: false,
		},
	}

	for _, test := range tests {
		result, overflow := overflowAddUint64(test.a, test.b)
		if result != test.expectedUint64 {
			t.Fatalf("expected result '%v' but got '%v'", test.expectedUint64, result)
		}

		if overflow != test.expectedOverflow {
			t.Fatalf("expected overflow '%v' but got '%v'", test.expectedOverflow, overflow)
		}
	}
}
