// Package transport is the boundary to the secure-transport engine. The rest
// of the service only sees connect, authenticate, open channel, stream I/O
// and close; key exchange and wire framing stay behind these interfaces.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrNoCredential   = errors.New("no credential supplied")
	ErrSessionClosed  = errors.New("session is closed")
	ErrChannelClosed  = errors.New("channel is closed")
)

// ChannelKind selects what runs on the remote end of a channel.
type ChannelKind string

const (
	// KindExec runs Command through the remote shell; nothing is written to stdin.
	KindExec ChannelKind = "exec"
	// KindSubsystem starts a named subsystem (e.g. netconf) and the command
	// travels as the stdin payload.
	KindSubsystem ChannelKind = "subsystem"
)

type ChannelSpec struct {
	Kind      ChannelKind
	Subsystem string
	Command   string
}

// Credential authenticates a connected session. At least one of Password or
// PrivateKey must be set.
type Credential struct {
	Password   string
	PrivateKey []byte
	Passphrase []byte
}

func (c Credential) Empty() bool {
	return c.Password == "" && len(c.PrivateKey) == 0
}

// Transport dials remote hosts.
type Transport interface {
	Connect(ctx context.Context, username, host string, port int) (Conn, error)
}

// Conn is a connected but not yet authenticated transport connection.
type Conn interface {
	Authenticate(ctx context.Context, cred Credential) (Session, error)
	Close() error
}

// Session is an authenticated connection to one host.
type Session interface {
	Host() string
	Alive() bool
	OpenChannel(ctx context.Context, spec ChannelSpec) (Channel, error)
	Close() error
}

// Channel is a duplex stream carrying command input, primary output and
// error output. Write may accept fewer bytes than offered; callers resend the
// remainder. Close must be safe to call more than once.
type Channel interface {
	io.Writer
	CloseWrite() error
	Stdout() io.Reader
	Stderr() io.Reader
	Close(graceful bool) error
}

// Address validates host and port and joins them for dialing.
func Address(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("%w: empty host", ErrInvalidAddress)
	}
	if strings.ContainsAny(host, " \t/") {
		return "", fmt.Errorf("%w: host %q", ErrInvalidAddress, host)
	}
	if port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range", ErrInvalidAddress, port)
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return addr, nil
}
