package executor

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/pkg/future"
	"github.com/andrej220/sshgate/pkg/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultOpenTimeout    = 2 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultMaxOutputBytes = 4 << 20

	readChunkSize = 32 << 10
)

type ChannelConfig struct {
	Kind           transport.ChannelKind `yaml:"kind" json:"kind" validate:"omitempty,oneof=exec subsystem"`
	Subsystem      string                `yaml:"subsystem" json:"subsystem" validate:"required_if=Kind subsystem"`
	OpenTimeout    time.Duration         `yaml:"openTimeout" json:"openTimeout" validate:"gte=0"`
	ReadTimeout    time.Duration         `yaml:"readTimeout" json:"readTimeout" validate:"gte=0"`
	MaxOutputBytes int                   `yaml:"maxOutputBytes" json:"maxOutputBytes" validate:"gte=0"`
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Kind:           transport.KindExec,
		OpenTimeout:    DefaultOpenTimeout,
		ReadTimeout:    DefaultReadTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	d := DefaultChannelConfig()
	if c.Kind == "" {
		c.Kind = d.Kind
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = d.MaxOutputBytes
	}
	return c
}

// ChannelExecutor runs one command per channel. Configuration changes apply
// to invocations started afterwards.
type ChannelExecutor struct {
	cfg    atomic.Pointer[ChannelConfig]
	logger lg.Logger
}

func NewChannelExecutor(cfg ChannelConfig, logger lg.Logger) *ChannelExecutor {
	e := &ChannelExecutor{logger: logger}
	e.Configure(cfg)
	return e
}

func (e *ChannelExecutor) Configure(cfg ChannelConfig) {
	cfg = cfg.withDefaults()
	e.cfg.Store(&cfg)
}

func (e *ChannelExecutor) Config() ChannelConfig {
	return *e.cfg.Load()
}

// Execute opens a channel on sess, streams command through it and returns a
// future settled by whichever comes first: end of the primary output, a
// failure in any loop, a timeout or cancellation of ctx.
func (e *ChannelExecutor) Execute(ctx context.Context, sess transport.Session, command string) *future.Future[Result] {
	return e.start(ctx, sess, command).result
}

// Run is Execute for callers that want to block.
func (e *ChannelExecutor) Run(ctx context.Context, sess transport.Session, command string) (Result, error) {
	return e.Execute(ctx, sess, command).Result()
}

func (e *ChannelExecutor) start(ctx context.Context, sess transport.Session, command string) *invocation {
	cfg := e.Config()
	id := uuid.NewString()
	inv := &invocation{
		id:       id,
		cfg:      cfg,
		sess:     sess,
		command:  command,
		logger:   e.logger.With(lg.String("invocation", id), lg.String("host", sess.Host())),
		result:   future.New[Result](),
		stdout:   newBoundedBuffer(cfg.MaxOutputBytes),
		stderr:   newBoundedBuffer(cfg.MaxOutputBytes),
		started:  time.Now(),
		finished: make(chan struct{}),
	}
	inv.lastRead.Store(inv.started.UnixNano())
	go inv.run(ctx)
	return inv
}

type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateDraining
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// invocation is the state of one command run. Only the goroutines it starts
// touch it; the future is the only thing handed out.
type invocation struct {
	id      string
	cfg     ChannelConfig
	sess    transport.Session
	command string
	logger  lg.Logger
	result  *future.Future[Result]
	state   atomic.Int32

	ch        transport.Channel
	closeOnce sync.Once

	stdout, stderr *boundedBuffer

	started  time.Time
	// lastRead is the UnixNano of the latest chunk on either stream. A read
	// times out only when both streams have been quiet for ReadTimeout.
	lastRead atomic.Int64
	wg       sync.WaitGroup // pumps and late-open cleanup
	finished chan struct{}  // closed once every goroutine of the invocation is gone
}

func (inv *invocation) State() State {
	return State(inv.state.Load())
}

func (inv *invocation) setState(s State) {
	prev := State(inv.state.Swap(int32(s)))
	if prev != s {
		inv.logger.Debug("state change", lg.String("from", prev.String()), lg.String("to", s.String()))
	}
}

func (inv *invocation) spec() (transport.ChannelSpec, []byte) {
	if inv.cfg.Kind == transport.KindSubsystem {
		return transport.ChannelSpec{Kind: transport.KindSubsystem, Subsystem: inv.cfg.Subsystem}, []byte(inv.command)
	}
	return transport.ChannelSpec{Kind: transport.KindExec, Command: inv.command}, nil
}

func (inv *invocation) run(ctx context.Context) {
	defer close(inv.finished)
	defer inv.wg.Wait()

	spec, payload := inv.spec()
	ch, err := inv.open(ctx, spec)
	if err != nil {
		inv.fail(err)
		return
	}
	inv.ch = ch
	inv.setState(StateStreaming)
	inv.lastRead.Store(time.Now().UnixNano())

	// Caller cancellation aborts the invocation like any other failure.
	stop := context.AfterFunc(ctx, func() {
		inv.fail(&ExecError{Kind: Canceled, Err: ctx.Err()})
	})
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inv.writeLoop(gctx, payload) })
	g.Go(func() error { return inv.readLoop(gctx, "stdout", ch.Stdout(), inv.stdout, true) })
	g.Go(func() error { return inv.readLoop(gctx, "stderr", ch.Stderr(), inv.stderr, false) })
	loopErr := g.Wait()

	if !inv.result.Settled() {
		// Every loop returned without a verdict: ctx ended before the
		// cancellation hook ran.
		inv.fail(&ExecError{Kind: Canceled, Err: ctx.Err()})
	}
	inv.release(false)
	inv.wg.Wait()

	if inv.State() == StateDraining {
		inv.setState(StateClosed)
	}
	fields := []lg.Field{
		lg.String("state", inv.State().String()),
		lg.Duration("elapsed", time.Since(inv.started)),
		lg.Int("stdout_bytes", inv.stdout.Len()),
		lg.Int("stderr_bytes", inv.stderr.Len()),
	}
	if loopErr != nil {
		fields = append(fields, lg.Err(loopErr))
	}
	inv.logger.Debug("invocation finished", fields...)
}

func (inv *invocation) open(ctx context.Context, spec transport.ChannelSpec) (transport.Channel, error) {
	openCtx, cancel := context.WithTimeout(ctx, inv.cfg.OpenTimeout)
	defer cancel()

	type opened struct {
		ch  transport.Channel
		err error
	}
	res := make(chan opened, 1)
	go func() {
		ch, err := inv.sess.OpenChannel(openCtx, spec)
		res <- opened{ch: ch, err: err}
	}()

	select {
	case o := <-res:
		if o.err == nil {
			return o.ch, nil
		}
		if o.ch != nil {
			inv.closeChannel(o.ch, false)
		}
		return nil, openError(ctx, openCtx, o.err)
	case <-openCtx.Done():
		// The transport may still hand a channel back; nobody else will close it.
		inv.wg.Add(1)
		go func() {
			defer inv.wg.Done()
			if o := <-res; o.ch != nil {
				inv.closeChannel(o.ch, false)
			}
		}()
		return nil, openError(ctx, openCtx, openCtx.Err())
	}
}

func openError(ctx, openCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return &ExecError{Kind: Canceled, Err: ctx.Err()}
	case errors.Is(openCtx.Err(), context.DeadlineExceeded):
		return &ExecError{Kind: OpenTimeout, Err: err}
	default:
		return &ExecError{Kind: OpenFailed, Err: err}
	}
}

// writeLoop sends payload, resending only the unwritten remainder after a
// short write, then half-closes the input.
func (inv *invocation) writeLoop(ctx context.Context, payload []byte) error {
	for off := 0; off < len(payload); {
		select {
		case <-ctx.Done():
			return nil
		case <-inv.result.Done():
			return nil
		default:
		}
		n, err := inv.ch.Write(payload[off:])
		off += n
		if err == nil && n == 0 {
			err = io.ErrNoProgress
		}
		if err != nil {
			if inv.result.Settled() {
				return nil
			}
			werr := &ExecError{Kind: WriteFailed, Err: err}
			inv.fail(werr)
			return werr
		}
		inv.logger.Debug("payload chunk written", lg.Int("bytes", n), lg.Int("remaining", len(payload)-off))
	}
	if inv.result.Settled() {
		return nil
	}
	if err := inv.ch.CloseWrite(); err != nil {
		inv.logger.Debug("half-close of input failed", lg.Err(err))
	}
	return nil
}

type chunk struct {
	data []byte
	err  error
}

// pump turns blocking reads into chunks. It stops at the first error or once
// stopped is closed; a closed channel unblocks a pending Read.
func (inv *invocation) pump(r io.Reader, out chan<- chunk, stopped <-chan struct{}) {
	defer inv.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-stopped:
			return
		default:
		}
		n, err := r.Read(buf)
		c := chunk{err: err}
		if n > 0 {
			c.data = append([]byte(nil), buf[:n]...)
		}
		select {
		case out <- c:
		case <-stopped:
			return
		}
		if err != nil {
			return
		}
	}
}

// readLoop drains one output stream into acc. It times out once neither
// stream has delivered anything for ReadTimeout.
// End of the primary stream settles the invocation successfully.
func (inv *invocation) readLoop(ctx context.Context, stream string, r io.Reader, acc *boundedBuffer, primary bool) error {
	chunks := make(chan chunk)
	stopped := make(chan struct{})
	defer close(stopped)
	inv.wg.Add(1)
	go inv.pump(r, chunks, stopped)

	timer := time.NewTimer(inv.cfg.ReadTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-inv.result.Done():
			return nil
		case <-timer.C:
			if idle := time.Since(time.Unix(0, inv.lastRead.Load())); idle < inv.cfg.ReadTimeout {
				timer.Reset(inv.cfg.ReadTimeout - idle)
				continue
			}
			err := &ExecError{Kind: ReadTimeout, Stream: stream, Err: context.DeadlineExceeded}
			inv.fail(err)
			return err
		case c := <-chunks:
			inv.lastRead.Store(time.Now().UnixNano())
			if len(c.data) > 0 {
				if kept := acc.Write(c.data); kept < len(c.data) {
					inv.logger.Warn("output limit reached, dropping bytes",
						lg.String("stream", stream), lg.Int("dropped", len(c.data)-kept))
				}
			}
			switch {
			case errors.Is(c.err, io.EOF):
				if primary {
					inv.succeed()
				}
				return nil
			case c.err != nil:
				if inv.result.Settled() {
					return nil
				}
				err := &ExecError{Kind: ReadFailed, Stream: stream, Err: c.err}
				inv.fail(err)
				return err
			}
			timer.Reset(inv.cfg.ReadTimeout)
		}
	}
}

func (inv *invocation) succeed() {
	res := Result{
		InvocationID: inv.id,
		Host:         inv.sess.Host(),
		Stdout:       inv.stdout.String(),
		Stderr:       inv.stderr.String(),
		Truncated:    inv.stdout.Truncated() || inv.stderr.Truncated(),
		Duration:     time.Since(inv.started),
	}
	if !inv.result.Resolve(res) {
		return
	}
	inv.setState(StateDraining)
	if res.Stderr != "" {
		inv.logger.Debug("command wrote to stderr", lg.String("stderr", res.Stderr))
	}
	inv.release(true)
}

func (inv *invocation) fail(err error) {
	if !inv.result.Reject(err) {
		return
	}
	inv.setState(StateAborted)
	inv.logger.Error("invocation aborted", lg.Err(err))
	inv.release(false)
}

// release closes the invocation's channel once, gracefully after success and
// forcibly otherwise. Close errors are logged and never reach the caller.
func (inv *invocation) release(graceful bool) {
	if inv.ch == nil {
		return
	}
	inv.closeOnce.Do(func() {
		inv.closeChannel(inv.ch, graceful)
	})
}

func (inv *invocation) closeChannel(ch transport.Channel, graceful bool) {
	if err := ch.Close(graceful); err != nil {
		inv.logger.Warn("channel close failed", lg.Bool("graceful", graceful), lg.Err(err))
	}
}
