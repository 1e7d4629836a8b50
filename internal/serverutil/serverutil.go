package serverutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/go-playground/validator/v10"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            string        `yaml:"port" json:"port"`
	BasePath        string        `yaml:"basePath" json:"basePath"`
	ReadTimeout     time.Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`
}

// DefaultServerConfig provides default server configuration values.
// WriteTimeout leaves room for a command that streams for a while.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            "8080",
		BasePath:        "/api/ssh",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    2 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// RunServer serves handler until ctx is done, then shuts down gracefully.
// Signal handling belongs to the caller, typically via signal.NotifyContext.
func RunServer(ctx context.Context, handler http.Handler, config ServerConfig, logger lg.Logger) error {
	if config.Port == "" {
		config.Port = DefaultServerConfig().Port
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", config.Port),
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return lg.Attach(context.Background(), logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", lg.String("port", config.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("server stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}

// QueryDecoder is implemented by request types that can be filled from
// URL query parameters.
type QueryDecoder interface {
	DecodeQuery(values url.Values) error
}

// RequestPtr constrains the pointer type of a request struct T.
type RequestPtr[T any] interface {
	*T
	QueryDecoder
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation on v.
func Validate(v any) error {
	return validate.Struct(v)
}

type requestCtxKey struct{}

// RequestFrom returns the decoded request stored by a ValidationHandler.
func RequestFrom[T any](ctx context.Context) (T, bool) {
	req, ok := ctx.Value(requestCtxKey{}).(T)
	return req, ok
}

// ValidationHandler decodes a request of type T from the query string (GET)
// or a JSON body (other methods), validates it and passes it on via context.
type ValidationHandler[T any, PT RequestPtr[T]] struct {
	next http.Handler
}

// NewValidationHandler creates a new validation handler for the given request type.
func NewValidationHandler[T any, PT RequestPtr[T]](next http.Handler) http.Handler {
	return &ValidationHandler[T, PT]{next: next}
}

func (h *ValidationHandler[T, PT]) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var request T
	if r.Method == http.MethodGet {
		if err := PT(&request).DecodeQuery(r.URL.Query()); err != nil {
			http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
	} else {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}
	}

	if err := Validate(request); err != nil {
		http.Error(rw, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}

	ctx := context.WithValue(r.Context(), requestCtxKey{}, request)
	h.next.ServeHTTP(rw, r.WithContext(ctx))
}
