package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/mint"
	"github.com/elnosh/gonuts-mint/mint/manager"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/elnosh/gonuts-mint/mint/storage/boltdb"
	"github.com/elnosh/gonuts-mint/mint/storage/memory"
	"github.com/elnosh/gonuts-mint/mint/storage/postgres"
	"github.com/elnosh/gonuts-mint/mint/storage/sqlite"
	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:   "gonuts-mint",
		Usage:  "Cashu mint",
		Before: loadEnv,
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the mint and admin servers",
				Action: serve,
			},
			{
				Name:   "keysets",
				Usage:  "List the keysets stored in the mint db",
				Action: listKeysets,
			},
			{
				Name:   "new-mnemonic",
				Usage:  "Generate a mnemonic to use as MINT_MNEMONIC",
				Action: newMnemonic,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadEnv(*cli.Context) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("error loading .env file: %v", err)
	}
	return nil
}

func openDB(ctx context.Context, cfg *Config) (storage.MintDB, error) {
	switch cfg.DBBackend {
	case backendSQLite:
		if err := os.MkdirAll(cfg.DBPath, 0700); err != nil {
			return nil, err
		}
		return sqlite.InitSQLite(cfg.DBPath)
	case backendPostgres:
		return postgres.InitPostgres(ctx, postgres.Config{
			DatabaseURL:      cfg.DatabaseURL,
			MaxConns:         cfg.DBMaxConnections,
			StatementTimeout: cfg.DBStatementTimeout,
			IdleInTxTimeout:  cfg.DBIdleInTxTimeout,
		})
	case backendBolt:
		if err := os.MkdirAll(cfg.DBPath, 0700); err != nil {
			return nil, err
		}
		return boltdb.InitBolt(cfg.DBPath, cfg.DBOpenTimeout)
	case backendMemory:
		return memory.NewMemoryDB(), nil
	default:
		return nil, fmt.Errorf("invalid db backend '%v'", cfg.DBBackend)
	}
}

func serve(cliCtx *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg)
	if err != nil {
		return fmt.Errorf("error opening db: %v", err)
	}
	defer db.Close()

	mintConfig, err := cfg.mintConfig(db)
	if err != nil {
		return err
	}
	m, err := mint.LoadMint(ctx, mintConfig)
	if err != nil {
		return fmt.Errorf("error loading mint: %v", err)
	}
	logger := m.Logger()

	mintServer := mint.SetupMintServer(m, cashu.ParseMethod, mint.ServerConfig{
		Host:           cfg.Host,
		Port:           cfg.Port,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})
	adminServer := manager.SetupServer(
		m,
		net.JoinHostPort(cfg.AdminHost, cfg.AdminPort),
		cashu.ParseMethod,
		cashu.ParseUnit,
		logger,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(mintServer.Start)
	g.Go(adminServer.Start)

	// SIGHUP reloads keysets written by other processes sharing the db
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	g.Go(func() error {
		for {
			select {
			case <-hup:
				if err := m.RefreshKeysets(gctx); err != nil {
					logger.Error(fmt.Sprintf("error refreshing keysets: %v", err))
				}
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				logger.Info("shutting down")
				return errors.Join(
					mintServer.Shutdown(shutdownCtx),
					adminServer.Shutdown(shutdownCtx),
				)
			}
		}
	})

	return g.Wait()
}

func listKeysets(cliCtx *cli.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(cliCtx.Context, cfg)
	if err != nil {
		return fmt.Errorf("error opening db: %v", err)
	}
	defer db.Close()

	keysets, err := db.GetKeysets(cliCtx.Context)
	if err != nil {
		return err
	}
	if len(keysets) == 0 {
		fmt.Println("no keysets")
		return nil
	}
	for _, keyset := range keysets {
		fmt.Printf("Id: %v\n", keyset.Id)
		fmt.Printf("Unit: %v\n", keyset.Unit)
		fmt.Printf("Active: %v\n", keyset.Active)
		fmt.Printf("Derivation index: %v\n", keyset.DerivationPathIdx)
		fmt.Printf("Input fee ppk: %v\n\n", keyset.InputFeePpk)
	}
	return nil
}

func newMnemonic(*cli.Context) error {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return err
	}
	fmt.Println(mnemonic)
	return nil
}
