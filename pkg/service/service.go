// Package service is the entry point used by the HTTP and Kafka front ends.
// It owns the session registry and ties connecting, executing and closing
// together per host.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/pkg/audit"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/sessionpool"
	"github.com/andrej220/sshgate/pkg/transport"
	"github.com/google/uuid"
)

// ErrNoSession is returned when a host has no live registered session.
var ErrNoSession = errors.New("no active session")

const auditTimeout = 5 * time.Second

type Service struct {
	registry  *sessionpool.Registry
	connector *executor.Connector
	executor  executor.Executor
	recorder  audit.Recorder
	logger    lg.Logger
}

type Option func(*Service)

// WithRecorder reports every execution to r.
func WithRecorder(r audit.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithExecutor replaces the default channel executor.
func WithExecutor(e executor.Executor) Option {
	return func(s *Service) { s.executor = e }
}

func New(t transport.Transport, logger lg.Logger, opts ...Option) *Service {
	registry := sessionpool.New()
	s := &Service{
		registry:  registry,
		connector: executor.NewConnector(t, registry, logger),
		executor:  executor.NewChannelExecutor(executor.DefaultChannelConfig(), logger),
		recorder:  audit.Nop{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect establishes and registers a session for req.Host, replacing any
// existing one.
func (s *Service) Connect(ctx context.Context, req executor.ConnectRequest) error {
	_, err := s.connector.Connect(ctx, req).Await(ctx)
	return err
}

// ExecuteCommand runs command on the session registered for host.
func (s *Service) ExecuteCommand(ctx context.Context, host, command string) (executor.Result, error) {
	sess, err := s.session(host)
	if err != nil {
		return executor.Result{}, err
	}
	return s.ExecuteOn(ctx, sess, command)
}

// Open authenticates a session that is not registered, so it never replaces
// or exposes a host's shared session. The caller closes it.
func (s *Service) Open(ctx context.Context, req executor.ConnectRequest) (transport.Session, error) {
	f := s.connector.Open(ctx, req)
	sess, err := f.Await(ctx)
	if err != nil && !f.Settled() {
		// Nobody will own a session that arrives after the caller gave up.
		go func() {
			if late, lerr := f.Result(); lerr == nil {
				_ = late.Close()
			}
		}()
	}
	return sess, err
}

// ExecuteOn runs command on sess and records the execution.
func (s *Service) ExecuteOn(ctx context.Context, sess transport.Session, command string) (executor.Result, error) {
	started := time.Now()
	res, err := s.executor.Execute(ctx, sess, command).Await(ctx)
	s.record(ctx, sess.Host(), command, started, res, err)
	return res, err
}

func (s *Service) session(host string) (transport.Session, error) {
	sess, ok := s.registry.Get(host)
	if !ok {
		return nil, ErrNoSession
	}
	if sess.Alive() {
		return sess, nil
	}
	// Only evict the handle we looked at; a concurrent reconnect may already
	// have registered a fresh one.
	if s.registry.RemoveIf(host, sess) {
		s.logger.Info("evicted dead session", lg.String("host", host))
		if err := sess.Close(); err != nil {
			s.logger.Debug("closing dead session", lg.String("host", host), lg.Err(err))
		}
	}
	return nil, ErrNoSession
}

func (s *Service) record(ctx context.Context, host, command string, started time.Time, res executor.Result, execErr error) {
	rec := audit.Record{
		ID:        res.InvocationID,
		Host:      host,
		Command:   command,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Truncated: res.Truncated,
		StartedAt: started.UTC(),
		Duration:  time.Since(started),
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if execErr != nil {
		rec.Error = execErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := s.recorder.Record(ctx, rec); err != nil {
		s.logger.Warn("audit record failed", lg.String("host", host), lg.String("id", rec.ID), lg.Err(err))
	}
}

// CloseSession removes and closes the session for host. Closing a host with
// no session is not an error.
func (s *Service) CloseSession(host string) {
	sess, ok := s.registry.Remove(host)
	if !ok {
		return
	}
	if err := sess.Close(); err != nil {
		s.logger.Warn("closing session", lg.String("host", host), lg.Err(err))
		return
	}
	s.logger.Info("session closed", lg.String("host", host))
}

// Sessions lists the hosts with a registered session, sorted.
func (s *Service) Sessions() []string {
	return s.registry.Hosts()
}

// Shutdown closes every registered session.
func (s *Service) Shutdown() error {
	n := s.registry.Len()
	err := s.registry.CloseAll()
	s.logger.Info("closed all sessions", lg.Int("count", n))
	return err
}
