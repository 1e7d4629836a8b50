// Package api serves the gateway's HTTP request surface. Outcomes, including
// failures, are reported as plain text bodies.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/internal/serverutil"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/service"
	"github.com/andrej220/sshgate/pkg/transport"
)

const defaultPort = 22

// SSHService is the part of service.Service the handlers use.
type SSHService interface {
	Connect(ctx context.Context, req executor.ConnectRequest) error
	ExecuteCommand(ctx context.Context, host, command string) (executor.Result, error)
	CloseSession(host string)
	Sessions() []string
}

var _ SSHService = (*service.Service)(nil)

// ConnectQuery only checks presence. A malformed host or port is reported by
// the connector as a failed initiation, not as a bad request.
type ConnectQuery struct {
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (q *ConnectQuery) DecodeQuery(v url.Values) error {
	q.Host = v.Get("host")
	q.Username = v.Get("username")
	q.Password = v.Get("password")
	q.Port = defaultPort
	if p := v.Get("port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("port: %w", err)
		}
		q.Port = port
	}
	return nil
}

type ExecuteQuery struct {
	Host    string `json:"host" validate:"required"`
	Command string `json:"command" validate:"required"`
}

func (q *ExecuteQuery) DecodeQuery(v url.Values) error {
	q.Host = v.Get("host")
	q.Command = v.Get("command")
	return nil
}

type CloseQuery struct {
	Host string `json:"host" validate:"required"`
}

func (q *CloseQuery) DecodeQuery(v url.Values) error {
	q.Host = v.Get("host")
	return nil
}

type Handler struct {
	svc    SSHService
	logger lg.Logger
}

// NewHandler mounts the routes under basePath, e.g. "/api/ssh".
func NewHandler(svc SSHService, basePath string, logger lg.Logger) http.Handler {
	h := &Handler{svc: svc, logger: logger}
	base := strings.TrimSuffix(basePath, "/")

	mux := http.NewServeMux()
	mux.Handle(base+"/connect", serverutil.NewValidationHandler[ConnectQuery](http.HandlerFunc(h.connect)))
	mux.Handle(base+"/executeCommand", serverutil.NewValidationHandler[ExecuteQuery](http.HandlerFunc(h.executeCommand)))
	mux.Handle(base+"/close", serverutil.NewValidationHandler[CloseQuery](http.HandlerFunc(h.close)))
	mux.HandleFunc("GET "+base+"/sessions", h.sessions)
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, _ *http.Request) {
		writeText(rw, "ok")
	})
	return mux
}

func (h *Handler) connect(rw http.ResponseWriter, r *http.Request) {
	q, ok := serverutil.RequestFrom[ConnectQuery](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	if q.Port == 0 {
		q.Port = defaultPort
	}

	err := h.svc.Connect(r.Context(), executor.ConnectRequest{
		Host:       q.Host,
		Port:       q.Port,
		Username:   q.Username,
		Credential: transport.Credential{Password: q.Password},
	})
	if err != nil {
		h.logger.Info("connect failed", lg.String("host", q.Host), lg.Err(err))
		writeText(rw, fmt.Sprintf("Error connecting to %s: %s", q.Host, err))
		return
	}
	writeText(rw, "Connected to "+q.Host)
}

func (h *Handler) executeCommand(rw http.ResponseWriter, r *http.Request) {
	q, ok := serverutil.RequestFrom[ExecuteQuery](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}

	res, err := h.svc.ExecuteCommand(r.Context(), q.Host, q.Command)
	switch {
	case errors.Is(err, service.ErrNoSession):
		writeText(rw, "No active session for "+q.Host)
	case err != nil:
		h.logger.Info("command failed", lg.String("host", q.Host), lg.Err(err))
		writeText(rw, fmt.Sprintf("Error sending hello to %s: %s", q.Host, err))
	default:
		writeText(rw, res.Stdout)
	}
}

func (h *Handler) close(rw http.ResponseWriter, r *http.Request) {
	q, ok := serverutil.RequestFrom[CloseQuery](r.Context())
	if !ok {
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.svc.CloseSession(q.Host)
	writeText(rw, "Session closed successfully!")
}

type sessionsResponse struct {
	Sessions []string `json:"sessions"`
}

func (h *Handler) sessions(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(sessionsResponse{Sessions: h.svc.Sessions()}); err != nil {
		h.logger.Warn("write sessions response", lg.Err(err))
	}
}

func writeText(rw http.ResponseWriter, body string) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = rw.Write([]byte(body))
}
