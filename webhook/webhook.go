// Package webhook receives payment provider callbacks and hands completed
// payments to the provisioning side.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"vpnshop/payment"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type PaymentHandler interface {
	HandlePayment(ctx context.Context, p payment.Completed) error
}

type AuthFailLogger interface {
	LogAuthFail(message string) error
}

// Server dispatches each accepted payment on its own goroutine so the
// provider gets its reply without waiting for the panel.
type Server struct {
	handler PaymentHandler
	secret  string
	authLog AuthFailLogger
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(handler PaymentHandler, secret string, authLog AuthFailLogger, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		secret:  secret,
		authLog: authLog,
		logger:  logger.Named("webhook"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// NewRouter creates the HTTP router with all provider routes configured.
func (s *Server) NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/yookassa-webhook", s.handleYooKassa)
		r.Post("/crypto-webhook", s.handleCrypto)
	})
	return r
}

// Wait cancels in-flight dispatches once ctx is done and blocks until they
// return.
func (s *Server) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.cancel()
		<-done
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.secret != "" {
			token := r.URL.Query().Get("token")
			if subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
				msg := fmt.Sprintf("webhook token mismatch on %s from IP: %s", r.URL.Path, clientIP(r))
				if err := s.authLog.LogAuthFail(msg); err != nil {
					s.logger.Warn("auth log write failed", zap.Error(err))
				}
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

type yookassaEvent struct {
	Event  string `json:"event"`
	Object struct {
		Metadata map[string]any `json:"metadata"`
	} `json:"object"`
}

func (s *Server) handleYooKassa(w http.ResponseWriter, r *http.Request) {
	var ev yookassaEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.logger.Warn("bad yookassa payload", zap.Error(err))
		http.Error(w, "Error", http.StatusBadRequest)
		return
	}
	if ev.Event == "payment.succeeded" {
		s.accept(payment.ProviderYooKassa, ev.Object.Metadata)
	}
	ok(w)
}

type cryptoInvoice struct {
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleCrypto(w http.ResponseWriter, r *http.Request) {
	var inv cryptoInvoice
	if err := json.NewDecoder(r.Body).Decode(&inv); err != nil {
		s.logger.Warn("bad crypto payload", zap.Error(err))
		http.Error(w, "Error", http.StatusBadRequest)
		return
	}
	s.logger.Info("crypto webhook received", zap.String("status", inv.Status))
	if inv.Status == "paid" {
		s.accept(payment.ProviderCrypto, inv.Metadata)
	}
	ok(w)
}

func (s *Server) accept(provider payment.Provider, meta map[string]any) {
	if len(meta) == 0 {
		s.logger.Warn("payment without metadata", zap.String("provider", string(provider)))
		return
	}
	p, err := payment.FromMetadata(provider, meta)
	if err != nil {
		s.logger.Error("rejected payment metadata", zap.String("provider", string(provider)), zap.Error(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.handler.HandlePayment(s.ctx, p); err != nil {
			s.logger.Error("payment processing failed",
				zap.String("provider", string(p.Provider)),
				zap.Int64("user_id", p.UserID),
				zap.String("action", string(p.Action)),
				zap.Error(err))
		}
	}()
}

func ok(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// clientIP is the remote address without its port. RealIP has already
// applied any proxy headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
