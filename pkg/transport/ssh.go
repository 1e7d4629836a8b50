package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// BreakerSettings tune the per-address circuit breaker guarding TCP dials.
type BreakerSettings struct {
	MaxRequests         uint32        `yaml:"maxRequests" json:"maxRequests"`
	Interval            time.Duration `yaml:"interval" json:"interval"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutiveFailures" json:"consecutiveFailures"`
}

func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxRequests:         5,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

type SSHConfig struct {
	ConnectTimeout   time.Duration   `yaml:"connectTimeout" json:"connectTimeout"`
	HandshakeTimeout time.Duration   `yaml:"handshakeTimeout" json:"handshakeTimeout"`
	KnownHostsPath   string          `yaml:"knownHosts" json:"knownHosts"` // empty disables host key checks
	Breaker          BreakerSettings `yaml:"breaker" json:"breaker"`
}

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

var _ Transport = (*SSHTransport)(nil)

// SSHTransport implements Transport on golang.org/x/crypto/ssh. Connect is the
// TCP dial, Authenticate runs the SSH handshake with the given credential.
type SSHTransport struct {
	cfg      SSHConfig
	dial     DialFunc
	breakers sync.Map // addr -> *gobreaker.CircuitBreaker
	logger   lg.Logger
}

func NewSSHTransport(cfg SSHConfig, logger lg.Logger) *SSHTransport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Breaker == (BreakerSettings{}) {
		cfg.Breaker = DefaultBreakerSettings()
	}
	var d net.Dialer
	return &SSHTransport{cfg: cfg, dial: d.DialContext, logger: logger}
}

// WithDialer replaces the TCP dialer, e.g. with an in-memory pipe in tests.
func (t *SSHTransport) WithDialer(dial DialFunc) *SSHTransport {
	t.dial = dial
	return t
}

func (t *SSHTransport) breaker(addr string) *gobreaker.CircuitBreaker {
	if cb, ok := t.breakers.Load(addr); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	bs := t.cfg.Breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-dial " + addr,
		MaxRequests: bs.MaxRequests,
		Interval:    bs.Interval,
		Timeout:     bs.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= bs.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Warn("circuit breaker state changed",
				lg.String("breaker", name),
				lg.String("from", from.String()),
				lg.String("to", to.String()))
		},
	})
	actual, _ := t.breakers.LoadOrStore(addr, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

func (t *SSHTransport) Connect(ctx context.Context, username, host string, port int) (Conn, error) {
	addr, err := Address(host, port)
	if err != nil {
		return nil, err
	}
	res, err := t.breaker(addr).Execute(func() (any, error) {
		dctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		defer cancel()
		return t.dial(dctx, "tcp", addr)
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t.logger.Debug("tcp connection established", lg.String("addr", addr), lg.String("user", username))
	return &sshConn{
		netConn: res.(net.Conn),
		addr:    addr,
		host:    host,
		user:    username,
		t:       t,
	}, nil
}

func (t *SSHTransport) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if t.cfg.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(t.cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("known_hosts %s: %w", t.cfg.KnownHostsPath, err)
	}
	return cb, nil
}

type sshConn struct {
	netConn net.Conn
	addr    string
	host    string
	user    string
	t       *SSHTransport
}

func (c *sshConn) Authenticate(ctx context.Context, cred Credential) (Session, error) {
	methods, err := AuthMethods(cred)
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.t.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            c.user,
		Auth:            methods,
		HostKeyCallback: hostKeys,
		Timeout:         c.t.cfg.HandshakeTimeout,
		BannerCallback:  func(message string) error { return nil },
	}

	deadline := time.Now().Add(c.t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.netConn.SetDeadline(deadline)
	// An expired deadline unblocks the handshake when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		c.netConn.SetDeadline(time.Unix(1, 0))
	})

	conn, chans, reqs, err := ssh.NewClientConn(c.netConn, c.addr, cfg)
	if !stop() {
		if err == nil {
			conn.Close()
		} else {
			c.netConn.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		c.netConn.Close()
		return nil, fmt.Errorf("handshake %s: %w", c.addr, err)
	}
	c.netConn.SetDeadline(time.Time{})

	s := &sshSession{
		client: ssh.NewClient(conn, chans, reqs),
		host:   c.host,
		logger: c.t.logger.With(lg.String("host", c.host)),
	}
	s.alive.Store(true)
	go s.monitor()
	return s, nil
}

func (c *sshConn) Close() error {
	return c.netConn.Close()
}

// AuthMethods turns a credential into SSH auth methods, key first.
func AuthMethods(cred Credential) ([]ssh.AuthMethod, error) {
	if cred.Empty() {
		return nil, ErrNoCredential
	}
	var methods []ssh.AuthMethod
	if len(cred.PrivateKey) > 0 {
		var (
			signer ssh.Signer
			err    error
		)
		if len(cred.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cred.PrivateKey, cred.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(cred.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}
	return methods, nil
}

type sshSession struct {
	client *ssh.Client
	host   string
	alive  atomic.Bool
	logger lg.Logger
}

func (s *sshSession) Host() string { return s.host }
func (s *sshSession) Alive() bool  { return s.alive.Load() }

// monitor blocks until the SSH connection closes and flips the alive flag.
func (s *sshSession) monitor() {
	err := s.client.Wait()
	s.alive.Store(false)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("ssh connection closed", lg.Err(err))
		return
	}
	s.logger.Debug("ssh connection closed")
}

func (s *sshSession) OpenChannel(ctx context.Context, spec ChannelSpec) (Channel, error) {
	if !s.Alive() {
		return nil, ErrSessionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, reqs, err := s.client.OpenChannel("session", nil)
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	go ssh.DiscardRequests(reqs)

	c := &sshChannel{ch: ch}
	if err := c.start(spec); err != nil {
		c.Close(false)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		c.Close(false)
		return nil, err
	}
	return c, nil
}

func (s *sshSession) Close() error {
	s.alive.Store(false)
	err := s.client.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type sshChannel struct {
	ch        ssh.Channel
	closeOnce sync.Once
	closeErr  error
}

func (c *sshChannel) start(spec ChannelSpec) error {
	var (
		name    string
		payload []byte
	)
	switch spec.Kind {
	case KindExec, "":
		name = "exec"
		payload = ssh.Marshal(&struct{ Command string }{spec.Command})
	case KindSubsystem:
		name = "subsystem"
		payload = ssh.Marshal(&struct{ Name string }{spec.Subsystem})
	default:
		return fmt.Errorf("unsupported channel kind %q", spec.Kind)
	}
	ok, err := c.ch.SendRequest(name, true, payload)
	if err != nil {
		return fmt.Errorf("%s request: %w", name, err)
	}
	if !ok {
		return fmt.Errorf("%s request rejected by remote", name)
	}
	return nil
}

func (c *sshChannel) Write(p []byte) (int, error) { return c.ch.Write(p) }
func (c *sshChannel) CloseWrite() error           { return c.ch.CloseWrite() }
func (c *sshChannel) Stdout() io.Reader           { return c.ch }
func (c *sshChannel) Stderr() io.Reader           { return c.ch.Stderr() }

func (c *sshChannel) Close(graceful bool) error {
	c.closeOnce.Do(func() {
		if graceful {
			c.ch.CloseWrite()
		}
		err := c.ch.Close()
		// The remote may have closed first.
		if errors.Is(err, io.EOF) {
			err = nil
		}
		c.closeErr = err
	})
	return c.closeErr
}
