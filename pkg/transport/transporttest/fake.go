// Package transporttest provides a scripted in-memory transport for tests of
// code built on package transport.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/sshgate/pkg/transport"
)

var (
	ErrRefused  = errors.New("connection refused")
	ErrDenied   = errors.New("unable to authenticate")
	ErrRejected = errors.New("channel open rejected")
)

// Script drives the remote side of one channel. It runs in its own goroutine
// once the channel is open.
type Script func(spec transport.ChannelSpec, ch *Channel)

// Transport is a fake transport.Transport. Zero value accepts every connect
// and every non-empty credential, and opens channels that end immediately.
type Transport struct {
	// Password, when set, is the only accepted credential.
	Password string
	// Refuse makes Connect fail with ErrRefused.
	Refuse bool
	// AuthDelay stalls Authenticate regardless of ctx, like a slow handshake.
	AuthDelay time.Duration
	// OpenDelay holds OpenChannel back; ctx expiry ends the wait.
	OpenDelay time.Duration
	// RejectOpen makes OpenChannel fail with ErrRejected.
	RejectOpen bool
	// MaxWrite caps the bytes accepted per Write on new channels.
	MaxWrite int
	// WriteErr fails every Write on new channels.
	WriteErr error
	Script   Script

	mu       sync.Mutex
	sessions []*Session
	connects atomic.Int32
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Connect(ctx context.Context, username, host string, port int) (transport.Conn, error) {
	if _, err := transport.Address(host, port); err != nil {
		return nil, err
	}
	t.connects.Add(1)
	if t.Refuse {
		return nil, ErrRefused
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &conn{t: t, host: host}, nil
}

// Connects counts Connect calls that passed address validation.
func (t *Transport) Connects() int {
	return int(t.connects.Load())
}

// Sessions returns every session authenticated so far, oldest first.
func (t *Transport) Sessions() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Session(nil), t.sessions...)
}

type conn struct {
	t      *Transport
	host   string
	closed atomic.Bool
}

func (c *conn) Authenticate(ctx context.Context, cred transport.Credential) (transport.Session, error) {
	if cred.Empty() {
		return nil, transport.ErrNoCredential
	}
	if c.t.Password != "" && cred.Password != c.t.Password {
		return nil, ErrDenied
	}
	time.Sleep(c.t.AuthDelay)
	s := NewSession(c.host)
	s.t = c.t
	c.t.mu.Lock()
	c.t.sessions = append(c.t.sessions, s)
	c.t.mu.Unlock()
	return s, nil
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

// Session is a fake transport.Session.
type Session struct {
	t      *Transport
	host   string
	alive  atomic.Bool
	closes atomic.Int32

	mu       sync.Mutex
	channels []*Channel
}

var _ transport.Session = (*Session)(nil)

// NewSession returns a live session not bound to any Transport. Its channels
// report end-of-stream as soon as they open.
func NewSession(host string) *Session {
	s := &Session{host: host}
	s.alive.Store(true)
	return s
}

func (s *Session) Host() string { return s.host }
func (s *Session) Alive() bool  { return s.alive.Load() }

// Kill marks the session dead without a Close call, as a dropped connection would.
func (s *Session) Kill() { s.alive.Store(false) }

func (s *Session) Close() error {
	s.closes.Add(1)
	s.alive.Store(false)
	s.mu.Lock()
	chans := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()
	for _, ch := range chans {
		ch.breakStreams(transport.ErrSessionClosed)
	}
	return nil
}

// Closes counts Close calls.
func (s *Session) Closes() int { return int(s.closes.Load()) }

// Channels returns the channels opened on s, including ones whose open timed out.
func (s *Session) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Channel(nil), s.channels...)
}

func (s *Session) OpenChannel(ctx context.Context, spec transport.ChannelSpec) (transport.Channel, error) {
	if !s.Alive() {
		return nil, transport.ErrSessionClosed
	}
	var (
		delay  time.Duration
		reject bool
		script Script
		maxW   int
		wErr   error
	)
	if s.t != nil {
		delay, reject, script, maxW = s.t.OpenDelay, s.t.RejectOpen, s.t.Script, s.t.MaxWrite
		wErr = s.t.WriteErr
	}
	if reject {
		return nil, ErrRejected
	}

	ch := NewChannel()
	ch.MaxWrite = maxW
	ch.WriteErr = wErr
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			// Hand back the half-open channel; the caller owns its release.
			return ch, ctx.Err()
		}
	}
	if script == nil {
		script = func(_ transport.ChannelSpec, ch *Channel) { ch.End() }
	}
	go script(spec, ch)
	return ch, nil
}

// Channel is a fake transport.Channel backed by pipes. The script side uses
// Emit, EmitErr and End; the executor side sees Stdout, Stderr and Write.
type Channel struct {
	// MaxWrite caps the bytes accepted per Write; zero means no cap.
	MaxWrite int
	// WriteErr, when set, fails every Write.
	WriteErr error

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	inMu        sync.Mutex
	input       bytes.Buffer
	writes      atomic.Int32
	reads       atomic.Int32
	inputClosed chan struct{}
	closeInput  sync.Once

	closeOnce sync.Once
	closed    chan struct{}
	graceful  atomic.Bool
	closes    atomic.Int32
}

var _ transport.Channel = (*Channel)(nil)

func NewChannel() *Channel {
	c := &Channel{
		inputClosed: make(chan struct{}),
		closed:      make(chan struct{}),
	}
	c.stdoutR, c.stdoutW = io.Pipe()
	c.stderrR, c.stderrW = io.Pipe()
	return c
}

// Emit sends chunk on the primary stream; it blocks until the reader takes it.
func (c *Channel) Emit(chunk string) error {
	_, err := io.WriteString(c.stdoutW, chunk)
	return err
}

// EmitErr sends chunk on the error stream.
func (c *Channel) EmitErr(chunk string) error {
	_, err := io.WriteString(c.stderrW, chunk)
	return err
}

// End signals end-of-stream on both output streams.
func (c *Channel) End() {
	c.stderrW.Close()
	c.stdoutW.Close()
}

// EndStdout signals end-of-stream on the primary stream only.
func (c *Channel) EndStdout() {
	c.stdoutW.Close()
}

// Fail breaks both output streams with err.
func (c *Channel) Fail(err error) {
	c.breakStreams(err)
}

func (c *Channel) breakStreams(err error) {
	c.stdoutW.CloseWithError(err)
	c.stderrW.CloseWithError(err)
}

// InputClosed is closed once the executor half-closes the input.
func (c *Channel) InputClosed() <-chan struct{} { return c.inputClosed }

// Closed is closed on the first Close call.
func (c *Channel) Closed() <-chan struct{} { return c.closed }

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Graceful reports whether the first Close asked for a graceful close.
func (c *Channel) Graceful() bool { return c.graceful.Load() }

// Closes counts Close calls.
func (c *Channel) Closes() int { return int(c.closes.Load()) }

// Input returns everything written to the channel so far.
func (c *Channel) Input() string {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.input.String()
}

// Writes counts Write calls.
func (c *Channel) Writes() int { return int(c.writes.Load()) }

// Reads counts reads issued on both output streams.
func (c *Channel) Reads() int { return int(c.reads.Load()) }

func (c *Channel) Write(p []byte) (int, error) {
	c.writes.Add(1)
	if c.IsClosed() {
		return 0, transport.ErrChannelClosed
	}
	if c.WriteErr != nil {
		return 0, c.WriteErr
	}
	n := len(p)
	if c.MaxWrite > 0 && n > c.MaxWrite {
		n = c.MaxWrite
	}
	c.inMu.Lock()
	c.input.Write(p[:n])
	c.inMu.Unlock()
	return n, nil
}

func (c *Channel) CloseWrite() error {
	c.closeInput.Do(func() { close(c.inputClosed) })
	return nil
}

func (c *Channel) Stdout() io.Reader { return countingReader{c.stdoutR, &c.reads} }
func (c *Channel) Stderr() io.Reader { return countingReader{c.stderrR, &c.reads} }

func (c *Channel) Close(graceful bool) error {
	c.closes.Add(1)
	c.closeOnce.Do(func() {
		c.graceful.Store(graceful)
		close(c.closed)
		c.stdoutR.CloseWithError(transport.ErrChannelClosed)
		c.stderrR.CloseWithError(transport.ErrChannelClosed)
	})
	return nil
}

type countingReader struct {
	r     io.Reader
	count *atomic.Int32
}

func (r countingReader) Read(p []byte) (int, error) {
	r.count.Add(1)
	return r.r.Read(p)
}
