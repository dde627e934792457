package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const busyTimeoutMs = 5000

type SQLiteDB struct {
	db *sql.DB
}

// InitSQLite opens (creating if needed) mint.sqlite.db under path
// and applies pending migrations.
// Transactions take the write lock on BEGIN so two of them never
// interleave, which gives serializable execution.
func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "mint.sqlite.db")
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=%d&_foreign_keys=on", dbpath, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return nil, fmt.Errorf("error running migrations: %v", err)
	}
	if srcErr, dbErr := m.Close(); srcErr != nil || dbErr != nil {
		return nil, fmt.Errorf("error closing migrations: %v", errors.Join(srcErr, dbErr))
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

// translate maps driver errors to storage errors. exists is returned
// for primary key or unique violations.
func translate(err error, exists error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch {
	case sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %v", storage.ErrSerializationConflict, err)
	case sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique:
		if exists != nil {
			return fmt.Errorf("%w: %v", exists, err)
		}
	}
	return err
}

func (sqlite *SQLiteDB) SaveKeyset(ctx context.Context, keyset storage.DBKeyset) error {
	publicKeys, err := json.Marshal(keyset.PublicKeys)
	if err != nil {
		return err
	}

	_, err = sqlite.db.ExecContext(ctx, `
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk, public_keys)
		VALUES (?, ?, ?, ?, ?, ?)
	`, keyset.Id, keyset.Unit, keyset.Active, keyset.DerivationPathIdx, keyset.InputFeePpk, string(publicKeys))

	return translate(err, storage.ErrKeysetAlreadyExists)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKeyset(row scanner) (storage.DBKeyset, error) {
	var keyset storage.DBKeyset
	var publicKeys string
	err := row.Scan(
		&keyset.Id,
		&keyset.Unit,
		&keyset.Active,
		&keyset.DerivationPathIdx,
		&keyset.InputFeePpk,
		&publicKeys,
	)
	if err != nil {
		return storage.DBKeyset{}, err
	}
	if err := json.Unmarshal([]byte(publicKeys), &keyset.PublicKeys); err != nil {
		return storage.DBKeyset{}, fmt.Errorf("invalid public keys for keyset '%v': %v", keyset.Id, err)
	}
	return keyset, nil
}

const keysetColumns = "id, unit, active, derivation_path_idx, input_fee_ppk, public_keys"

func (sqlite *SQLiteDB) GetKeyset(ctx context.Context, id string) (storage.DBKeyset, error) {
	row := sqlite.db.QueryRowContext(ctx, "SELECT "+keysetColumns+" FROM keysets WHERE id = ?", id)
	keyset, err := scanKeyset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DBKeyset{}, storage.ErrKeysetNotFound
	}
	return keyset, err
}

func (sqlite *SQLiteDB) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	keysets := []storage.DBKeyset{}

	rows, err := sqlite.db.QueryContext(ctx, "SELECT "+keysetColumns+" FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}

	return keysets, rows.Err()
}

func (sqlite *SQLiteDB) UpdateKeysetActive(ctx context.Context, id string, active bool) error {
	result, err := sqlite.db.ExecContext(ctx, "UPDATE keysets SET active = ? WHERE id = ?", active, id)
	if err != nil {
		return translate(err, nil)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return storage.ErrKeysetNotFound
	}
	return nil
}

func (sqlite *SQLiteDB) SaveMintQuote(ctx context.Context, mintQuote storage.MintQuote) error {
	if mintQuote.Amount == 0 {
		return storage.ErrInvalidMintQuoteAmount
	}

	_, err := sqlite.db.ExecContext(ctx,
		`INSERT INTO mint_quotes (id, method, unit, amount, state) VALUES (?, ?, ?, ?, ?)`,
		mintQuote.Id,
		mintQuote.Method,
		mintQuote.Unit,
		mintQuote.Amount,
		mintQuote.State.String(),
	)

	return translate(err, storage.ErrMintQuoteAlreadyExists)
}

func (sqlite *SQLiteDB) GetMintQuote(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	row := sqlite.db.QueryRowContext(ctx,
		"SELECT id, method, unit, amount, state FROM mint_quotes WHERE id = ?", quoteId)

	var mintQuote storage.MintQuote
	var state string

	err := row.Scan(
		&mintQuote.Id,
		&mintQuote.Method,
		&mintQuote.Unit,
		&mintQuote.Amount,
		&state,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MintQuote{}, err
	}
	mintQuote.State = nut04.StringToState(state)

	return mintQuote, nil
}

func (sqlite *SQLiteDB) UpdateMintQuoteState(ctx context.Context, quoteId string, state nut04.State) error {
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err, nil)
	}
	defer tx.Rollback()

	var current string
	row := tx.QueryRowContext(ctx, "SELECT state FROM mint_quotes WHERE id = ?", quoteId)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrQuoteNotFound
		}
		return translate(err, nil)
	}

	currentState := nut04.StringToState(current)
	if !currentState.CanTransitionTo(state) {
		return fmt.Errorf("%w: %v -> %v", storage.ErrInvalidStateTransition, currentState, state)
	}

	if _, err := tx.ExecContext(ctx, "UPDATE mint_quotes SET state = ? WHERE id = ?", state.String(), quoteId); err != nil {
		return translate(err, nil)
	}
	return translate(tx.Commit(), nil)
}

func (sqlite *SQLiteDB) GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	if len(B_s) == 0 {
		return signatures, nil
	}
	query := `SELECT amount, c_, keyset_id FROM blind_signatures WHERE b_ in (?` + strings.Repeat(",?", len(B_s)-1) + `)`

	args := make([]any, len(B_s))
	for i, B_ := range B_s {
		args[i] = B_
	}

	rows, err := sqlite.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		err := rows.Scan(
			&signature.Amount,
			&signature.C_,
			&signature.Id,
		)
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, signature)
	}

	return signatures, rows.Err()
}

func (sqlite *SQLiteDB) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := sqlite.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, translate(err, nil)
	}
	return &sqliteTx{tx: tx}, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

// SetSerializable is a no-op: the write lock is already held
// since BEGIN IMMEDIATE.
func (t *sqliteTx) SetSerializable(ctx context.Context) error {
	return ctx.Err()
}

func (t *sqliteTx) GetMintQuoteForIssue(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	quote := storage.MintQuote{Id: quoteId}
	var state string
	row := t.tx.QueryRowContext(ctx, "SELECT method, unit, amount, state FROM mint_quotes WHERE id = ?", quoteId)
	if err := row.Scan(&quote.Method, &quote.Unit, &quote.Amount, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MintQuote{}, translate(err, nil)
	}
	quote.State = nut04.StringToState(state)
	return quote, nil
}

func (t *sqliteTx) SaveBlindSignatures(ctx context.Context, quoteId string, B_s []string, sigs cashu.BlindedSignatures) error {
	if len(B_s) != len(sigs) {
		return storage.ErrMismatchedSignatureSize
	}

	stmt, err := t.tx.PrepareContext(ctx,
		"INSERT INTO blind_signatures (b_, quote_id, keyset_id, amount, c_) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return translate(err, nil)
	}
	defer stmt.Close()

	for i, sig := range sigs {
		if _, err := stmt.ExecContext(ctx, B_s[i], quoteId, sig.Id, sig.Amount, sig.C_); err != nil {
			return translate(err, storage.ErrBlindedMessageExists)
		}
	}
	return nil
}

func (t *sqliteTx) TransitionMintQuoteState(ctx context.Context, quoteId string, from, to nut04.State) error {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE mint_quotes SET state = ? WHERE id = ? AND state = ?",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return translate(err, nil)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count != 1 {
		return fmt.Errorf("%w: quote '%v' is not %v", storage.ErrSerializationConflict, quoteId, from)
	}
	return nil
}

func (t *sqliteTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(t.tx.Commit(), nil)
}

func (t *sqliteTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
