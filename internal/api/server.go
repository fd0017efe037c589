// Package api exposes the relayed chat as an OpenAI-compatible HTTP
// service: chat completions (streaming and not), a model listing, and a
// health probe.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/config"
	"github.com/xkilldash9x/copilot-relay/internal/relay"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResponseStream is one in-progress assistant response, as the handlers
// consume it. *relay.Stream satisfies it.
type ResponseStream interface {
	Chunks() <-chan string
	Err() error
	Cancel()
}

// ChatClient is the relay surface the handlers need.
type ChatClient interface {
	SendMessage(ctx context.Context, prompt string) (ResponseStream, error)
	ReinitializePageSession(ctx context.Context) error
	Ready() bool
}

// relayChat adapts *relay.Client to ChatClient.
type relayChat struct {
	*relay.Client
}

func (r relayChat) SendMessage(ctx context.Context, prompt string) (ResponseStream, error) {
	return r.Client.SendMessage(ctx, prompt)
}

// NewChatClient wraps a relay client for use with NewServer.
func NewChatClient(c *relay.Client) ChatClient {
	return relayChat{c}
}

// Server is the HTTP facade.
type Server struct {
	cfg    config.ServerConfig
	client ChatClient
	logger *zap.Logger

	httpServer *http.Server
	started    time.Time
}

// NewServer wires the router and handlers around a chat client.
func NewServer(cfg config.ServerConfig, client ChatClient, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("api"),
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/models", s.handleModels)
	r.Post("/v1/chat/completions", s.handleChatCompletions)

	s.httpServer = &http.Server{
		Addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler: r,
		// No write timeout: streamed completions are held open for as long
		// as the page keeps generating.
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe blocks serving requests until Shutdown or a listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("HTTP facade listening.", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("Request handled.",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, APIError{Error: APIErrorDetail{
		Message: message,
		Type:    errType,
	}})
}
