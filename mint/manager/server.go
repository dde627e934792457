// Package manager is the admin server of the mint. It listens on a
// separate address from the public API and is meant for the operator.
package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/elnosh/gonuts-mint/mint"
	"github.com/elnosh/gonuts-mint/mint/storage"
	"github.com/gorilla/mux"
)

type Server[M, U cashu.Identifier] struct {
	httpServer  *http.Server
	mint        *mint.Mint[M, U]
	parseMethod func(string) (M, error)
	parseUnit   func(string) (U, error)
	logger      *slog.Logger
}

func SetupServer[M, U cashu.Identifier](
	mint *mint.Mint[M, U],
	addr string,
	parseMethod func(string) (M, error),
	parseUnit func(string) (U, error),
	logger *slog.Logger,
) *Server[M, U] {
	server := &Server[M, U]{
		mint:        mint,
		parseMethod: parseMethod,
		parseUnit:   parseUnit,
		logger:      logger,
	}
	server.setupHttpServer(addr)
	return server
}

func (s *Server[M, U]) Start() error {
	s.logger.Info("admin server listening on: " + s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server[M, U]) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server[M, U]) setupHttpServer(addr string) {
	r := mux.NewRouter()

	r.HandleFunc("/keysets", s.getKeysets).Methods(http.MethodGet)
	r.HandleFunc("/keysets/refresh", s.refreshKeysets).Methods(http.MethodPost)
	r.HandleFunc("/keysets/{keyset_id}/deactivate", s.deactivateKeyset).Methods(http.MethodPost)
	r.HandleFunc("/quotes", s.createQuote).Methods(http.MethodPost)
	r.HandleFunc("/quotes/{quote_id}", s.getQuote).Methods(http.MethodGet)
	r.HandleFunc("/quotes/{quote_id}/state", s.setQuoteState).Methods(http.MethodPost)

	r.Use(setupHeaders)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

type CreateQuoteRequest struct {
	Method string `json:"method"`
	Unit   string `json:"unit"`
	Amount uint64 `json:"amount"`
}

type SetQuoteStateRequest struct {
	State nut04.State `json:"state"`
}

type QuoteResponse struct {
	Quote  string      `json:"quote"`
	Method string      `json:"method"`
	Unit   string      `json:"unit"`
	Amount uint64      `json:"amount"`
	State  nut04.State `json:"state"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func newQuoteResponse(quote storage.MintQuote) QuoteResponse {
	return QuoteResponse{
		Quote:  quote.Id,
		Method: quote.Method,
		Unit:   quote.Unit,
		Amount: quote.Amount,
		State:  quote.State,
	}
}

func (s *Server[M, U]) writeErr(rw http.ResponseWriter, status int, err error) {
	if status == http.StatusInternalServerError {
		s.logger.Error(fmt.Sprintf("admin request failed: %v", err))
	}
	rw.WriteHeader(status)
	response, _ := json.Marshal(ErrorResponse{Error: err.Error()})
	rw.Write(response)
}

// writeMintErr writes cashu and state transition errors as
// bad requests and anything else as an internal error.
func (s *Server[M, U]) writeMintErr(rw http.ResponseWriter, err error) {
	var cashuErr cashu.Error
	var cashuErrPtr *cashu.Error
	if errors.As(err, &cashuErr) || errors.As(err, &cashuErrPtr) ||
		errors.Is(err, storage.ErrInvalidStateTransition) {
		s.writeErr(rw, http.StatusBadRequest, err)
		return
	}
	s.writeErr(rw, http.StatusInternalServerError, err)
}

func (s *Server[M, U]) writeJSON(rw http.ResponseWriter, v any) {
	response, err := json.Marshal(v)
	if err != nil {
		s.writeErr(rw, http.StatusInternalServerError, err)
		return
	}
	rw.Write(response)
}

// same response as NUT-02 /v1/keysets
func (s *Server[M, U]) getKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets, err := s.mint.ListKeysets(req.Context())
	if err != nil {
		s.writeMintErr(rw, err)
		return
	}
	s.writeJSON(rw, keysets)
}

func (s *Server[M, U]) refreshKeysets(rw http.ResponseWriter, req *http.Request) {
	if err := s.mint.RefreshKeysets(req.Context()); err != nil {
		s.writeMintErr(rw, err)
		return
	}
	s.getKeysets(rw, req)
}

func (s *Server[M, U]) deactivateKeyset(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["keyset_id"]
	if err := s.mint.DeactivateKeyset(req.Context(), id); err != nil {
		s.writeMintErr(rw, err)
		return
	}
	s.getKeysets(rw, req)
}

func (s *Server[M, U]) createQuote(rw http.ResponseWriter, req *http.Request) {
	var createReq CreateQuoteRequest
	if err := json.NewDecoder(req.Body).Decode(&createReq); err != nil {
		s.writeErr(rw, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}

	method, err := s.parseMethod(createReq.Method)
	if err != nil {
		s.writeErr(rw, http.StatusBadRequest, err)
		return
	}
	unit, err := s.parseUnit(createReq.Unit)
	if err != nil {
		s.writeErr(rw, http.StatusBadRequest, err)
		return
	}

	quote, err := s.mint.CreateMintQuote(req.Context(), method, unit, createReq.Amount)
	if err != nil {
		s.writeMintErr(rw, err)
		return
	}
	s.writeJSON(rw, newQuoteResponse(quote))
}

func (s *Server[M, U]) getQuote(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["quote_id"]
	quote, err := s.mint.GetMintQuote(req.Context(), id)
	if err != nil {
		s.writeMintErr(rw, err)
		return
	}
	s.writeJSON(rw, newQuoteResponse(quote))
}

func (s *Server[M, U]) setQuoteState(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["quote_id"]

	var stateReq SetQuoteStateRequest
	if err := json.NewDecoder(req.Body).Decode(&stateReq); err != nil {
		s.writeErr(rw, http.StatusBadRequest, fmt.Errorf("invalid request: %v", err))
		return
	}

	if err := s.mint.SetMintQuoteState(req.Context(), id, stateReq.State); err != nil {
		s.writeMintErr(rw, err)
		return
	}
	s.getQuote(rw, req)
}
