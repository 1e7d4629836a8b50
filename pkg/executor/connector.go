package executor

import (
	"context"
	"errors"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/pkg/future"
	"github.com/andrej220/sshgate/pkg/sessionpool"
	"github.com/andrej220/sshgate/pkg/transport"
)

// Connector drives connect, authenticate and register for one host. It does
// not retry; retry policy belongs to the caller.
type Connector struct {
	transport transport.Transport
	registry  *sessionpool.Registry
	logger    lg.Logger
}

func NewConnector(t transport.Transport, registry *sessionpool.Registry, logger lg.Logger) *Connector {
	return &Connector{transport: t, registry: registry, logger: logger}
}

// Connect starts the handshake and returns at once. The future settles with
// the registered session or with a *ConnectError.
func (c *Connector) Connect(ctx context.Context, req ConnectRequest) *future.Future[transport.Session] {
	if err := validateConnect(req); err != nil {
		c.logger.Warn("connect rejected", lg.String("host", req.Host), lg.Err(err))
		return future.Rejected[transport.Session](&ConnectError{Kind: Initiation, Host: req.Host, Err: err})
	}
	f := future.New[transport.Session]()
	go c.handshake(ctx, req, f, true)
	return f
}

// Open authenticates like Connect but leaves the registry alone. The caller
// owns the session and must close it.
func (c *Connector) Open(ctx context.Context, req ConnectRequest) *future.Future[transport.Session] {
	if err := validateConnect(req); err != nil {
		return future.Rejected[transport.Session](&ConnectError{Kind: Initiation, Host: req.Host, Err: err})
	}
	f := future.New[transport.Session]()
	go c.handshake(ctx, req, f, false)
	return f
}

// ConnectAndWait is Connect for callers that want to block.
func (c *Connector) ConnectAndWait(ctx context.Context, req ConnectRequest) (transport.Session, error) {
	return c.Connect(ctx, req).Result()
}

func validateConnect(req ConnectRequest) error {
	if _, err := transport.Address(req.Host, req.Port); err != nil {
		return err
	}
	if req.Username == "" {
		return errors.New("empty username")
	}
	if req.Credential.Empty() {
		return transport.ErrNoCredential
	}
	return nil
}

func (c *Connector) handshake(ctx context.Context, req ConnectRequest, f *future.Future[transport.Session], register bool) {
	logger := c.logger.With(lg.String("host", req.Host), lg.Int("port", req.Port), lg.String("user", req.Username))

	conn, err := c.transport.Connect(ctx, req.Username, req.Host, req.Port)
	if err != nil {
		kind := ConnectionFailed
		if errors.Is(err, transport.ErrInvalidAddress) {
			kind = Initiation
		}
		logger.Error("connection failed", lg.Err(err))
		f.Reject(&ConnectError{Kind: kind, Host: req.Host, Err: err})
		return
	}

	sess, err := conn.Authenticate(ctx, req.Credential)
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Debug("closing unauthenticated connection", lg.Err(cerr))
		}
		logger.Error("authentication failed", lg.Err(err))
		f.Reject(&ConnectError{Kind: AuthFailed, Host: req.Host, Err: err})
		return
	}

	if !register {
		logger.Debug("private session established")
		f.Resolve(sess)
		return
	}

	// A reconnect replaces the registered handle; the superseded one is
	// closed so it does not leak.
	if prev, replaced := c.registry.Put(req.Host, sess); replaced && prev != sess {
		if cerr := prev.Close(); cerr != nil {
			logger.Warn("closing replaced session", lg.Err(cerr))
		} else {
			logger.Info("replaced existing session")
		}
	}
	logger.Info("session established")
	f.Resolve(sess)
}
