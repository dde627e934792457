// Package postgres is a storage.MintDB backed by PostgreSQL.
// Mint transactions run at SERIALIZABLE isolation and serialization
// failures are reported as storage.ErrSerializationConflict.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Config struct {
	DatabaseURL      string
	MaxConns         int32
	StatementTimeout time.Duration
	// IdleInTxTimeout bounds how long a transaction may sit idle,
	// so a stuck request cannot hold locks forever.
	IdleInTxTimeout time.Duration
}

type PostgresDB struct {
	pool *pgxpool.Pool
}

func InitPostgres(ctx context.Context, config Config) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %v", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(config.StatementTimeout.Milliseconds(), 10)
	}
	if config.IdleInTxTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = strconv.FormatInt(config.IdleInTxTimeout.Milliseconds(), 10)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error pinging database: %v", err)
	}

	if err := runMigrations(pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresDB{pool: pool}, nil
}

func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %v", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %v", err)
	}
	return nil
}

func (pg *PostgresDB) Close() error {
	pg.pool.Close()
	return nil
}

func translate(err error, exists error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %v", storage.ErrSerializationConflict, err)
	case pgerrcode.UniqueViolation:
		if exists != nil {
			return fmt.Errorf("%w: %v", exists, err)
		}
	case pgerrcode.ForeignKeyViolation:
		if pgErr.ConstraintName == "blind_signatures_keyset_id_fkey" {
			return fmt.Errorf("%w: %v", storage.ErrKeysetNotFound, err)
		}
	}
	return err
}

func (pg *PostgresDB) SaveKeyset(ctx context.Context, keyset storage.DBKeyset) error {
	publicKeys := keyset.PublicKeys
	if publicKeys == nil {
		publicKeys = map[uint64]string{}
	}
	_, err := pg.pool.Exec(ctx, `
		INSERT INTO keysets (id, unit, active, derivation_path_idx, input_fee_ppk, public_keys)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, keyset.Id, keyset.Unit, keyset.Active, int64(keyset.DerivationPathIdx), int64(keyset.InputFeePpk), publicKeys)

	return translate(err, storage.ErrKeysetAlreadyExists)
}

const keysetColumns = "id, unit, active, derivation_path_idx, input_fee_ppk, public_keys"

func scanKeyset(row pgx.Row) (storage.DBKeyset, error) {
	var keyset storage.DBKeyset
	var derivationPathIdx, inputFeePpk int64
	err := row.Scan(
		&keyset.Id,
		&keyset.Unit,
		&keyset.Active,
		&derivationPathIdx,
		&inputFeePpk,
		&keyset.PublicKeys,
	)
	if err != nil {
		return storage.DBKeyset{}, err
	}
	keyset.DerivationPathIdx = uint32(derivationPathIdx)
	keyset.InputFeePpk = uint(inputFeePpk)
	return keyset, nil
}

func (pg *PostgresDB) GetKeyset(ctx context.Context, id string) (storage.DBKeyset, error) {
	row := pg.pool.QueryRow(ctx, "SELECT "+keysetColumns+" FROM keysets WHERE id = $1", id)
	keyset, err := scanKeyset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.DBKeyset{}, storage.ErrKeysetNotFound
	}
	return keyset, err
}

func (pg *PostgresDB) GetKeysets(ctx context.Context) ([]storage.DBKeyset, error) {
	rows, err := pg.pool.Query(ctx, "SELECT "+keysetColumns+" FROM keysets")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keysets := []storage.DBKeyset{}
	for rows.Next() {
		keyset, err := scanKeyset(rows)
		if err != nil {
			return nil, err
		}
		keysets = append(keysets, keyset)
	}
	return keysets, rows.Err()
}

func (pg *PostgresDB) UpdateKeysetActive(ctx context.Context, keysetId string, active bool) error {
	tag, err := pg.pool.Exec(ctx, "UPDATE keysets SET active = $1 WHERE id = $2", active, keysetId)
	if err != nil {
		return translate(err, nil)
	}
	if tag.RowsAffected() != 1 {
		return storage.ErrKeysetNotFound
	}
	return nil
}

func (pg *PostgresDB) SaveMintQuote(ctx context.Context, quote storage.MintQuote) error {
	if quote.Amount == 0 {
		return storage.ErrInvalidMintQuoteAmount
	}
	_, err := pg.pool.Exec(ctx,
		"INSERT INTO mint_quotes (id, method, unit, amount, state) VALUES ($1, $2, $3, $4, $5)",
		quote.Id, quote.Method, quote.Unit, int64(quote.Amount), quote.State.String(),
	)
	return translate(err, storage.ErrMintQuoteAlreadyExists)
}

func (pg *PostgresDB) GetMintQuote(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	var quote storage.MintQuote
	var amount int64
	var state string
	err := pg.pool.QueryRow(ctx,
		"SELECT id, method, unit, amount, state FROM mint_quotes WHERE id = $1", quoteId,
	).Scan(&quote.Id, &quote.Method, &quote.Unit, &amount, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MintQuote{}, err
	}
	quote.Amount = uint64(amount)
	quote.State = nut04.StringToState(state)
	return quote, nil
}

func (pg *PostgresDB) UpdateMintQuoteState(ctx context.Context, quoteId string, state nut04.State) error {
	tx, err := pg.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	var current string
	err = tx.QueryRow(ctx, "SELECT state FROM mint_quotes WHERE id = $1 FOR UPDATE", quoteId).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.ErrQuoteNotFound
		}
		return translate(err, nil)
	}

	currentState := nut04.StringToState(current)
	if !currentState.CanTransitionTo(state) {
		return fmt.Errorf("%w: %v -> %v", storage.ErrInvalidStateTransition, currentState, state)
	}

	if _, err := tx.Exec(ctx, "UPDATE mint_quotes SET state = $1 WHERE id = $2", state.String(), quoteId); err != nil {
		return translate(err, nil)
	}
	return translate(tx.Commit(ctx), nil)
}

func (pg *PostgresDB) GetBlindSignatures(ctx context.Context, B_s []string) (cashu.BlindedSignatures, error) {
	signatures := cashu.BlindedSignatures{}
	if len(B_s) == 0 {
		return signatures, nil
	}

	rows, err := pg.pool.Query(ctx,
		"SELECT amount, c_, keyset_id FROM blind_signatures WHERE b_ = ANY($1)", B_s)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var signature cashu.BlindedSignature
		var amount int64
		if err := rows.Scan(&amount, &signature.C_, &signature.Id); err != nil {
			return nil, err
		}
		signature.Amount = uint64(amount)
		signatures = append(signatures, signature)
	}
	return signatures, rows.Err()
}

func (pg *PostgresDB) BeginTx(ctx context.Context) (storage.Tx, error) {
	tx, err := pg.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) SetSerializable(ctx context.Context) error {
	_, err := t.tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	return translate(err, nil)
}

func (t *postgresTx) GetMintQuoteForIssue(ctx context.Context, quoteId string) (storage.MintQuote, error) {
	quote := storage.MintQuote{Id: quoteId}
	var amount int64
	var state string
	err := t.tx.QueryRow(ctx,
		"SELECT method, unit, amount, state FROM mint_quotes WHERE id = $1", quoteId,
	).Scan(&quote.Method, &quote.Unit, &amount, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return storage.MintQuote{}, storage.ErrQuoteNotFound
		}
		return storage.MintQuote{}, translate(err, nil)
	}
	quote.Amount = uint64(amount)
	quote.State = nut04.StringToState(state)
	return quote, nil
}

func (t *postgresTx) SaveBlindSignatures(ctx context.Context, quoteId string, B_s []string, sigs cashu.BlindedSignatures) error {
	if len(B_s) != len(sigs) {
		return storage.ErrMismatchedSignatureSize
	}

	batch := &pgx.Batch{}
	for i, sig := range sigs {
		batch.Queue(
			"INSERT INTO blind_signatures (b_, quote_id, keyset_id, amount, c_) VALUES ($1, $2, $3, $4, $5)",
			B_s[i], quoteId, sig.Id, int64(sig.Amount), sig.C_,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	for range sigs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return translate(err, storage.ErrBlindedMessageExists)
		}
	}
	return translate(results.Close(), storage.ErrBlindedMessageExists)
}

func (t *postgresTx) TransitionMintQuoteState(ctx context.Context, quoteId string, from, to nut04.State) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE mint_quotes SET state = $1 WHERE id = $2 AND state = $3",
		to.String(), quoteId, from.String(),
	)
	if err != nil {
		return translate(err, nil)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: quote '%v' is not %v", storage.ErrSerializationConflict, quoteId, from)
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(t.tx.Commit(ctx), nil)
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(context.WithoutCancel(ctx))
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}
