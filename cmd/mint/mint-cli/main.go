package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elnosh/gonuts-mint/cashu/nuts/nut02"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint/manager"
	"github.com/urfave/cli/v2"
)

const (
	ADMIN_FLAG  = "admin"
	METHOD_FLAG = "method"
	UNIT_FLAG   = "unit"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func main() {
	app := &cli.App{
		Name:  "gonuts-mint-cli",
		Usage: "cli to interact with the admin server of the mint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    ADMIN_FLAG,
				Usage:   "Address of the admin server",
				Value:   "http://127.0.0.1:3339",
				EnvVars: []string{"MINT_ADMIN_URL"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "keysets",
				Usage:  "List keysets",
				Action: listKeysets,
			},
			{
				Name:   "refresh",
				Usage:  "Reload keysets from the db",
				Action: refreshKeysets,
			},
			{
				Name:      "deactivate",
				Usage:     "Stop signing with a keyset",
				ArgsUsage: "[keyset id]",
				Action:    deactivateKeyset,
			},
			{
				Name:      "newquote",
				Usage:     "Create a mint quote",
				ArgsUsage: "[amount]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  METHOD_FLAG,
						Usage: "Payment method of the quote",
						Value: "bolt11",
					},
					&cli.StringFlag{
						Name:  UNIT_FLAG,
						Usage: "Unit of the quote",
						Value: "sat",
					},
				},
				Action: newQuote,
			},
			{
				Name:      "quote",
				Usage:     "Get a mint quote",
				ArgsUsage: "[quote id]",
				Action:    getQuote,
			},
			{
				Name:      "setstate",
				Usage:     "Mark a mint quote as PAID or FAILED",
				ArgsUsage: "[quote id] [state]",
				Action:    setQuoteState,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func sendRequest(ctx *cli.Context, method, path string, body any, dst any) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	url := strings.TrimSuffix(ctx.String(ADMIN_FLAG), "/") + path
	req, err := http.NewRequestWithContext(ctx.Context, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var errResp manager.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err != nil || len(errResp.Error) == 0 {
			return fmt.Errorf("admin server returned status %v", resp.StatusCode)
		}
		return errors.New(errResp.Error)
	}

	return json.Unmarshal(respBody, dst)
}

func printKeysets(keysets nut02.GetKeysetsResponse) {
	fmt.Println("Keysets: ")
	for _, keyset := range keysets.Keysets {
		fmt.Printf("\n%v\n", keyset.Id)
		fmt.Printf("\tunit: %v\n", keyset.Unit)
		fmt.Printf("\tactive: %v\n", keyset.Active)
		fmt.Printf("\tfee: %v\n\n", keyset.InputFeePpk)
	}
}

func printQuote(quote manager.QuoteResponse) {
	fmt.Printf("Quote: %v\n", quote.Quote)
	fmt.Printf("\tmethod: %v\n", quote.Method)
	fmt.Printf("\tunit: %v\n", quote.Unit)
	fmt.Printf("\tamount: %v\n", quote.Amount)
	fmt.Printf("\tstate: %v\n", quote.State)
}

func listKeysets(ctx *cli.Context) error {
	var keysets nut02.GetKeysetsResponse
	if err := sendRequest(ctx, http.MethodGet, "/keysets", nil, &keysets); err != nil {
		return err
	}
	printKeysets(keysets)
	return nil
}

func refreshKeysets(ctx *cli.Context) error {
	var keysets nut02.GetKeysetsResponse
	if err := sendRequest(ctx, http.MethodPost, "/keysets/refresh", nil, &keysets); err != nil {
		return err
	}
	printKeysets(keysets)
	return nil
}

func deactivateKeyset(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("please specify a keyset id")
	}
	id := ctx.Args().First()

	var keysets nut02.GetKeysetsResponse
	if err := sendRequest(ctx, http.MethodPost, "/keysets/"+id+"/deactivate", nil, &keysets); err != nil {
		return err
	}
	printKeysets(keysets)
	return nil
}

func newQuote(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("please specify an amount")
	}
	var amount uint64
	if _, err := fmt.Sscan(ctx.Args().First(), &amount); err != nil {
		return fmt.Errorf("invalid amount: %v", err)
	}

	createReq := manager.CreateQuoteRequest{
		Method: ctx.String(METHOD_FLAG),
		Unit:   ctx.String(UNIT_FLAG),
		Amount: amount,
	}
	var quote manager.QuoteResponse
	if err := sendRequest(ctx, http.MethodPost, "/quotes", createReq, &quote); err != nil {
		return err
	}
	printQuote(quote)
	return nil
}

func getQuote(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("please specify a quote id")
	}

	var quote manager.QuoteResponse
	if err := sendRequest(ctx, http.MethodGet, "/quotes/"+ctx.Args().First(), nil, &quote); err != nil {
		return err
	}
	printQuote(quote)
	return nil
}

func setQuoteState(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return errors.New("please specify a quote id and a state")
	}
	state := nut04.StringToState(strings.ToUpper(ctx.Args().Get(1)))
	if state != nut04.Paid && state != nut04.Failed {
		return errors.New("state must be PAID or FAILED")
	}

	var quote manager.QuoteResponse
	path := "/quotes/" + ctx.Args().First() + "/state"
	if err := sendRequest(ctx, http.MethodPost, path, manager.SetQuoteStateRequest{State: state}, &quote); err != nil {
		return err
	}
	printQuote(quote)
	return nil
}
