package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/quailyquaily/toolgate/confirm"
	"github.com/quailyquaily/toolgate/gate"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/time/rate"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the confirmation HTTP endpoint",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	ledger, err := ledgerFromViper(log)
	if err != nil {
		return err
	}
	defer ledger.Close()

	svc := serviceFromViper(ledger, log)
	g := gate.New(svc, gate.WithLogger(log))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc.StartSweeper(ctx, sweepIntervalFromViper())
	if ml, ok := ledger.(*confirm.MemoryLedger); ok {
		ml.StartJanitor(ctx, 2*time.Minute)
	}

	srv := newHTTPServer(svc, g, log)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/confirm", srv.handleConfirm)
	mux.HandleFunc("POST /v1/check", srv.handleCheck)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	addr := strings.TrimSpace(viper.GetString("server.addr"))
	if addr == "" {
		addr = ":8787"
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("server_listening", "addr", addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type httpServer struct {
	svc  *confirm.Service
	gate *gate.Gate
	log  *slog.Logger

	// Per-owner limiter on confirm attempts, bounding token guessing.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newHTTPServer(svc *confirm.Service, g *gate.Gate, log *slog.Logger) *httpServer {
	rps := viper.GetFloat64("server.confirm_rate")
	if rps <= 0 {
		rps = 5
	}
	burst := viper.GetInt("server.confirm_burst")
	if burst <= 0 {
		burst = 10
	}
	return &httpServer{
		svc:      svc,
		gate:     g,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (s *httpServer) limiter(ownerID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[ownerID]
	if !ok {
		lim = rate.NewLimiter(s.rps, s.burst)
		s.limiters[ownerID] = lim
	}
	return lim
}

type confirmRequest struct {
	Token   string `json:"token"`
	OwnerID string `json:"owner_id"`
}

type confirmResponse struct {
	Status          string    `json:"status"`
	Token           string    `json:"token"`
	ConsumeDeadline time.Time `json:"consume_deadline"`
}

func (s *httpServer) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.OwnerID) == "" || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "token and owner_id are required")
		return
	}

	if !s.limiter(req.OwnerID).Allow() {
		writeError(w, http.StatusTooManyRequests, "too many confirm attempts")
		return
	}

	rec, err := s.svc.Confirm(r.Context(), req.Token, req.OwnerID)
	if err != nil {
		switch {
		case errors.Is(err, confirm.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown token")
		case errors.Is(err, confirm.ErrAlreadyConsumed):
			writeError(w, http.StatusConflict, "token already consumed")
		case errors.Is(err, confirm.ErrExpired):
			writeError(w, http.StatusGone, "confirmation expired")
		case errors.Is(err, confirm.ErrLedgerUnavailable):
			writeError(w, http.StatusServiceUnavailable, "ledger unavailable, retry")
		default:
			s.log.Error("confirm_failed", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, confirmResponse{
		Status:          "confirmed",
		Token:           rec.Token,
		ConsumeDeadline: rec.ConsumeDeadline,
	})
}

type checkRequest struct {
	OwnerID        string         `json:"owner_id"`
	ActionName     string         `json:"action_name"`
	ActionArgs     map[string]any `json:"action_args"`
	AssertedTokens []string       `json:"asserted_tokens"`
}

type checkResponse struct {
	Status      string `json:"status"`
	Token       string `json:"token,omitempty"`
	Description string `json:"description,omitempty"`
}

// handleCheck is the surface an agent runtime calls before executing a
// sensitive action. It either authorizes the single attempt or hands back
// the token the human must confirm first.
func (s *httpServer) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	caller := gate.CallerContext{OwnerID: req.OwnerID, AssertedTokens: req.AssertedTokens}
	action := gate.Action{Name: req.ActionName, Args: req.ActionArgs}

	res, err := s.gate.Check(r.Context(), caller, action)
	if err != nil {
		if errors.Is(err, confirm.ErrLedgerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, "ledger unavailable, retry")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if res.Proceed() {
		writeJSON(w, http.StatusOK, checkResponse{Status: "ok", Token: res.Token})
		return
	}
	writeJSON(w, http.StatusAccepted, checkResponse{
		Status:      "confirmation_required",
		Token:       res.Token,
		Description: res.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": msg})
}
