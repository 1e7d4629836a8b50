// Package dispatch executes commands requested over Kafka and publishes the
// outcome of each one.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/internal/postprocess"
	"github.com/andrej220/sshgate/internal/serverutil"
	"github.com/andrej220/sshgate/pkg/executor"
	"github.com/andrej220/sshgate/pkg/kafkautil"
	"github.com/andrej220/sshgate/pkg/service"
	"github.com/andrej220/sshgate/pkg/transport"
	"github.com/andrej220/sshgate/pkg/workerpool"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap/zapcore"
)

type ExecRequest struct {
	ExecutionUID uuid.UUID `json:"exuid"`
	Host         string    `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port         int       `json:"port" validate:"omitempty,min=1,max=65535"`
	Username     string    `json:"username" validate:"required"`
	Password     string    `json:"password" validate:"required"`
	Command      string    `json:"command" validate:"required"`
	// PostProcess names steps applied to stdout, e.g. ["trim", "key_value"].
	PostProcess []string `json:"postProcess,omitempty"`
}

// MarshalLogObject leaves the password out of log output.
func (r ExecRequest) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("exuid", r.ExecutionUID.String())
	enc.AddString("host", r.Host)
	enc.AddInt("port", r.Port)
	enc.AddString("username", r.Username)
	enc.AddString("command", r.Command)
	return nil
}

type ExecResult struct {
	ExecutionUID uuid.UUID `json:"exuid"`
	Host         string    `json:"host"`
	Stdout       string    `json:"stdout,omitempty"`
	Stderr       string    `json:"stderr,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	Lines        []string  `json:"lines,omitempty"`
	Error        string    `json:"error,omitempty"`
	FinishedAt   time.Time `json:"finishedAt"`
}

type Source interface {
	Read(ctx context.Context) (ExecRequest, error)
}

type Sink interface {
	Publish(ctx context.Context, key string, value ExecResult) error
}

// Runner is the part of service.Service a dispatcher drives. Jobs run on
// sessions of their own and never touch the registered ones.
type Runner interface {
	Open(ctx context.Context, req executor.ConnectRequest) (transport.Session, error)
	ExecuteOn(ctx context.Context, sess transport.Session, command string) (executor.Result, error)
}

var (
	_ Source = (*kafkautil.Consumer[ExecRequest])(nil)
	_ Sink   = (*kafkautil.Publisher[ExecResult])(nil)
	_ Runner = (*service.Service)(nil)
)

type Config struct {
	Workers        int           `yaml:"workers" json:"workers" validate:"min=0"`
	JobTimeout     time.Duration `yaml:"jobTimeout" json:"jobTimeout"`
	ConnectRetries uint64        `yaml:"connectRetries" json:"connectRetries"`
}

func DefaultConfig() Config {
	return Config{Workers: workerpool.TotalMaxWorkers, JobTimeout: 2 * time.Minute, ConnectRetries: 3}
}

type Dispatcher struct {
	src        Source
	sink       Sink
	runner     Runner
	pool       *workerpool.Pool[ExecRequest]
	cfg        Config
	logger     lg.Logger
	newBackOff func() backoff.BackOff
	chain      *postprocess.Chain
}

func New(src Source, sink Sink, runner Runner, cfg Config, logger lg.Logger) *Dispatcher {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultConfig().JobTimeout
	}
	return &Dispatcher{
		src:        src,
		sink:       sink,
		runner:     runner,
		pool:       workerpool.NewPool[ExecRequest](cfg.Workers),
		cfg:        cfg,
		logger:     logger,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		chain:      postprocess.NewChain(),
	}
}

// Run consumes requests until ctx is done, then waits for running jobs.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.pool.Stop()
	readBackOff := d.newBackOff()
	ctx = lg.Attach(ctx, d.logger)

	for {
		req, err := d.src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var derr *kafkautil.DecodeError
			if errors.As(err, &derr) {
				d.logger.Warn("skipping undecodable request", lg.Err(err))
				continue
			}
			wait := readBackOff.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			d.logger.Error("reading requests", lg.Err(err), lg.Duration("retryIn", wait))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		readBackOff.Reset()

		if req.ExecutionUID == uuid.Nil {
			req.ExecutionUID = uuid.New()
		}
		jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
		err = d.pool.Submit(workerpool.Job[ExecRequest]{
			Payload:     req,
			Fn:          d.handler(),
			Ctx:         jobCtx,
			CleanupFunc: cancel,
			Retry:       retryable,
		})
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handler runs one request and publishes its result. The pool retries only
// the publish step; a command never runs twice.
func (d *Dispatcher) handler() workerpool.JobFunc[ExecRequest] {
	var res *ExecResult
	return func(ctx context.Context, req ExecRequest) error {
		if res == nil {
			r := d.execute(ctx, req)
			res = &r
		}
		return d.sink.Publish(ctx, req.Host, *res)
	}
}

// retryable reports whether a failed publish is worth another attempt. A
// result that cannot be encoded never will be.
func retryable(err error) bool {
	return !errors.Is(err, kafkautil.ErrEncode)
}

func (d *Dispatcher) execute(ctx context.Context, req ExecRequest) ExecResult {
	out := ExecResult{ExecutionUID: req.ExecutionUID, Host: req.Host}
	logger := d.logger.With(lg.String("exuid", req.ExecutionUID.String()), lg.String("host", req.Host))
	finish := func(err error) ExecResult {
		if err != nil {
			out.Error = err.Error()
			logger.Info("request failed", lg.Err(err))
		}
		out.FinishedAt = time.Now().UTC()
		return out
	}

	if err := serverutil.Validate(req); err != nil {
		return finish(err)
	}
	if err := d.chain.Validate(req.PostProcess); err != nil {
		return finish(err)
	}

	sess, err := d.open(ctx, req)
	if err != nil {
		return finish(err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Debug("closing job session", lg.Err(cerr))
		}
	}()

	res, err := d.runner.ExecuteOn(ctx, sess, req.Command)
	out.Stdout, out.Stderr, out.Truncated = res.Stdout, res.Stderr, res.Truncated
	if err != nil || len(req.PostProcess) == 0 {
		return finish(err)
	}
	out.Lines, err = d.chain.Run(res.Stdout, req.PostProcess...)
	return finish(err)
}

// open authenticates a private session for req, retrying transient
// connection failures. Bad input and rejected credentials are not retried.
func (d *Dispatcher) open(ctx context.Context, req ExecRequest) (transport.Session, error) {
	port := req.Port
	if port == 0 {
		port = 22
	}
	creq := executor.ConnectRequest{
		Host:       req.Host,
		Port:       port,
		Username:   req.Username,
		Credential: transport.Credential{Password: req.Password},
	}
	var sess transport.Session
	op := func() error {
		s, err := d.runner.Open(ctx, creq)
		if err != nil {
			if !errors.Is(err, executor.ErrConnectionFailed) {
				return backoff.Permanent(err)
			}
			return err
		}
		sess = s
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.cfg.ConnectRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return sess, nil
}
