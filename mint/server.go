package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/elnosh/gonuts-mint/cashu"
	"github.com/elnosh/gonuts-mint/cashu/nuts/nut04"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	Host string
	Port string
	// RateLimitRPS is the number of requests per second the server
	// accepts. Zero disables rate limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

type MintServer[M, U cashu.Identifier] struct {
	httpServer  *http.Server
	mint        *Mint[M, U]
	parseMethod func(string) (M, error)
	logger      *slog.Logger
}

var conflictErr = cashu.BuildCashuError("request conflicted with a concurrent one. Try again", cashu.StandardErrCode)

func SetupMintServer[M, U cashu.Identifier](
	mint *Mint[M, U],
	parseMethod func(string) (M, error),
	config ServerConfig,
) *MintServer[M, U] {
	mintServer := &MintServer[M, U]{
		mint:        mint,
		parseMethod: parseMethod,
		logger:      mint.logger,
	}
	mintServer.setupHttpServer(config)
	return mintServer
}

func (ms *MintServer[M, U]) Start() error {
	ms.logger.Info("mint server listening on: " + ms.httpServer.Addr)
	err := ms.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (ms *MintServer[M, U]) Shutdown(ctx context.Context) error {
	ms.logger.Info("shutting down mint server")
	return ms.httpServer.Shutdown(ctx)
}

func (ms *MintServer[M, U]) setupHttpServer(config ServerConfig) {
	r := mux.NewRouter()

	r.HandleFunc("/v1/keys", ms.getActiveKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", ms.getKeysetsList).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", ms.getKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/{method}", ms.mintTokensRequest).Methods(http.MethodPost)
	r.HandleFunc("/v1/info", ms.mintInfo).Methods(http.MethodGet)

	r.Use(setupHeaders)
	r.Use(rateLimit(config.RateLimitRPS, config.RateLimitBurst))

	ms.httpServer = &http.Server{
		Addr:              net.JoinHostPort(config.Host, config.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func setupHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		rw.Header().Set("Access-Control-Allow-Origin", "*")
		rw.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		rw.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(rw, req)
	})
}

// rateLimit rejects requests over rps with a 429. It is a no-op if rps <= 0.
func rateLimit(rps float64, burst int) mux.MiddlewareFunc {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				rw.Header().Set("Retry-After", "1")
				rw.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(rw).Encode(cashu.BuildCashuError("too many requests", cashu.StandardErrCode))
				return
			}
			next.ServeHTTP(rw, req)
		})
	}
}

func (ms *MintServer[M, U]) writeResponse(rw http.ResponseWriter, req *http.Request, response []byte) {
	if _, err := rw.Write(response); err != nil {
		ms.logger.Error(fmt.Sprintf("error writing response to %v %v: %v", req.Method, req.URL.Path, err))
	}
}

// writeErr writes cashu errors with a 400, serialization conflicts that
// persisted after retrying with a 503 and anything else with a 500.
func (ms *MintServer[M, U]) writeErr(rw http.ResponseWriter, req *http.Request, err error) {
	var status int
	var body *cashu.Error

	if cashuErr, ok := asCashuError(err); ok {
		status = http.StatusBadRequest
		body = cashuErr
		ms.logger.Debug(fmt.Sprintf("returning cashu error for %v %v: %v", req.Method, req.URL.Path, err))
	} else if IsRetryable(err) {
		status = http.StatusServiceUnavailable
		body = conflictErr
		rw.Header().Set("Retry-After", "1")
		ms.logger.Warn(fmt.Sprintf("serialization conflict for %v %v: %v", req.Method, req.URL.Path, err))
	} else {
		status = http.StatusInternalServerError
		stdErr := cashu.StandardErr
		body = &stdErr
		ms.logger.Error(fmt.Sprintf("error handling %v %v: %v", req.Method, req.URL.Path, err))
	}

	errRes, _ := json.Marshal(body)
	rw.WriteHeader(status)
	ms.writeResponse(rw, req, errRes)
}

func asCashuError(err error) (*cashu.Error, bool) {
	var errPtr *cashu.Error
	if errors.As(err, &errPtr) && errPtr != nil {
		return errPtr, true
	}
	var errVal cashu.Error
	if errors.As(err, &errVal) {
		return &errVal, true
	}
	return nil, false
}

func (ms *MintServer[M, U]) getActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	keysets, err := ms.mint.ActiveKeysets(req.Context())
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeJSON(rw, req, keysets)
}

func (ms *MintServer[M, U]) getKeysetsList(rw http.ResponseWriter, req *http.Request) {
	keysets, err := ms.mint.ListKeysets(req.Context())
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeJSON(rw, req, keysets)
}

func (ms *MintServer[M, U]) getKeysetById(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	id := vars["id"]

	keyset, err := ms.mint.GetKeysetById(req.Context(), id)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}
	ms.writeJSON(rw, req, keyset)
}

func (ms *MintServer[M, U]) mintTokensRequest(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	method, err := ms.parseMethod(vars["method"])
	if err != nil {
		ms.writeErr(rw, req, cashu.PaymentMethodNotSupportedErr)
		return
	}

	var mintReq nut04.PostMintRequest
	if err := decodeJsonReqBody(rw, req, &mintReq); err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	signatures, err := ms.mint.MintTokens(req.Context(), method, mintReq.Quote, mintReq.Outputs)
	if err != nil {
		ms.writeErr(rw, req, err)
		return
	}

	ms.writeJSON(rw, req, nut04.PostMintResponse{Signatures: signatures})
}

func (ms *MintServer[M, U]) mintInfo(rw http.ResponseWriter, req *http.Request) {
	info := ms.mint.Info()
	info.Time = time.Now().Unix()
	ms.writeJSON(rw, req, info)
}

func (ms *MintServer[M, U]) writeJSON(rw http.ResponseWriter, req *http.Request, v any) {
	jsonRes, err := json.Marshal(v)
	if err != nil {
		ms.writeErr(rw, req, fmt.Errorf("error encoding response: %w", err))
		return
	}
	ms.writeResponse(rw, req, jsonRes)
}

func decodeJsonReqBody(rw http.ResponseWriter, req *http.Request, dst any) error {
	if req.Body == nil || req.ContentLength == 0 {
		return cashu.EmptyBodyErr
	}

	dec := json.NewDecoder(http.MaxBytesReader(rw, req.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			msg := fmt.Sprintf("bad json at %d", syntaxErr.Offset)
			return cashu.BuildCashuError(msg, cashu.StandardErrCode)
		case errors.As(err, &typeErr):
			msg := fmt.Sprintf("invalid %v for field %q", typeErr.Value, typeErr.Field)
			return cashu.BuildCashuError(msg, cashu.StandardErrCode)
		case errors.Is(err, io.EOF):
			return cashu.EmptyBodyErr
		default:
			return cashu.BuildCashuError(err.Error(), cashu.StandardErrCode)
		}
	}
	return nil
}
