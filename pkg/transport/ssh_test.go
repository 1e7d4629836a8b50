package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "user"
	testPassword = "pass"
)

// startTestServer runs a minimal SSH server on loopback. Exec requests run
// through handle; the "echo" subsystem copies stdin back to stdout.
func startTestServer(t *testing.T, handle func(cmd string, ch ssh.Channel)) (string, int) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("access denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg, handle)
		}
	}()

	tcp := ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig, handle func(string, ssh.Channel)) {
	_, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range chReqs {
				switch req.Type {
				case "exec":
					var p struct{ Command string }
					ssh.Unmarshal(req.Payload, &p)
					req.Reply(true, nil)
					go func() {
						handle(p.Command, ch)
						ch.SendRequest("exit-status", false, ssh.Marshal(&struct{ Status uint32 }{0}))
						ch.Close()
					}()
				case "subsystem":
					var p struct{ Name string }
					ssh.Unmarshal(req.Payload, &p)
					if p.Name != "echo" {
						req.Reply(false, nil)
						continue
					}
					req.Reply(true, nil)
					go func() {
						io.Copy(ch, ch)
						ch.CloseWrite()
						ch.Close()
					}()
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
}

func listing(cmd string, ch ssh.Channel) {
	if cmd == "ls" {
		io.WriteString(ch, "a.txt\n")
		io.WriteString(ch, "b.txt\n")
		return
	}
	io.WriteString(ch.Stderr(), "unknown command\n")
}

func newTestTransport() *SSHTransport {
	return NewSSHTransport(SSHConfig{ConnectTimeout: time.Second, HandshakeTimeout: 2 * time.Second}, lg.Discard)
}

func TestAddress(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		port    int
		want    string
		wantErr bool
	}{
		{name: "hostname", host: "h1", port: 22, want: "h1:22"},
		{name: "ipv6", host: "::1", port: 2222, want: "[::1]:2222"},
		{name: "empty host", host: " ", port: 22, wantErr: true},
		{name: "port zero", host: "h1", port: 0, wantErr: true},
		{name: "port too large", host: "h1", port: 70000, wantErr: true},
		{name: "whitespace in host", host: "bad host", port: 22, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Address(tt.host, tt.port)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthMethods(t *testing.T) {
	_, err := AuthMethods(Credential{})
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = AuthMethods(Credential{PrivateKey: []byte("not a key")})
	assert.Error(t, err)

	methods, err := AuthMethods(Credential{Password: "secret"})
	require.NoError(t, err)
	assert.Len(t, methods, 1)
}

func TestSSHTransportExec(t *testing.T) {
	host, port := startTestServer(t, listing)
	tr := newTestTransport()
	ctx := context.Background()

	conn, err := tr.Connect(ctx, testUser, host, port)
	require.NoError(t, err)
	sess, err := conn.Authenticate(ctx, Credential{Password: testPassword})
	require.NoError(t, err)
	defer sess.Close()

	assert.True(t, sess.Alive())
	assert.Equal(t, host, sess.Host())

	ch, err := sess.OpenChannel(ctx, ChannelSpec{Kind: KindExec, Command: "ls"})
	require.NoError(t, err)
	out, err := io.ReadAll(ch.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "a.txt\nb.txt\n", string(out))
	assert.NoError(t, ch.Close(true))
	assert.NoError(t, ch.Close(false), "second close is a no-op")
}

func TestSSHTransportSubsystem(t *testing.T) {
	host, port := startTestServer(t, listing)
	tr := newTestTransport()
	ctx := context.Background()

	conn, err := tr.Connect(ctx, testUser, host, port)
	require.NoError(t, err)
	sess, err := conn.Authenticate(ctx, Credential{Password: testPassword})
	require.NoError(t, err)
	defer sess.Close()

	ch, err := sess.OpenChannel(ctx, ChannelSpec{Kind: KindSubsystem, Subsystem: "echo"})
	require.NoError(t, err)
	defer ch.Close(false)

	_, err = ch.Write([]byte("<hello/>"))
	require.NoError(t, err)
	require.NoError(t, ch.CloseWrite())
	out, err := io.ReadAll(ch.Stdout())
	require.NoError(t, err)
	assert.Equal(t, "<hello/>", string(out))

	_, err = sess.OpenChannel(ctx, ChannelSpec{Kind: KindSubsystem, Subsystem: "netconf"})
	assert.Error(t, err, "unknown subsystem is rejected")
}

func TestSSHTransportWrongPassword(t *testing.T) {
	host, port := startTestServer(t, listing)
	tr := newTestTransport()

	conn, err := tr.Connect(context.Background(), testUser, host, port)
	require.NoError(t, err)
	_, err = conn.Authenticate(context.Background(), Credential{Password: "wrong"})
	assert.Error(t, err)
}

func TestSSHTransportSessionClose(t *testing.T) {
	host, port := startTestServer(t, listing)
	tr := newTestTransport()
	ctx := context.Background()

	conn, err := tr.Connect(ctx, testUser, host, port)
	require.NoError(t, err)
	sess, err := conn.Authenticate(ctx, Credential{Password: testPassword})
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	assert.False(t, sess.Alive())
	_, err = sess.OpenChannel(ctx, ChannelSpec{Kind: KindExec, Command: "ls"})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSSHTransportConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = newTestTransport().Connect(context.Background(), testUser, "127.0.0.1", port)
	assert.Error(t, err)
}

func TestSSHTransportBreakerOpens(t *testing.T) {
	refused := errors.New("connection refused")
	tr := NewSSHTransport(SSHConfig{
		Breaker: BreakerSettings{MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, ConsecutiveFailures: 2},
	}, lg.Discard).WithDialer(func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, refused
	})

	for i := 0; i < 2; i++ {
		_, err := tr.Connect(context.Background(), testUser, "h1", 22)
		assert.ErrorIs(t, err, refused)
	}
	_, err := tr.Connect(context.Background(), testUser, "h1", 22)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	// Other hosts have their own breaker.
	_, err = tr.Connect(context.Background(), testUser, "h2", 22)
	assert.ErrorIs(t, err, refused)
}
