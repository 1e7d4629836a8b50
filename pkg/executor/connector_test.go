package executor

import (
	"context"
	"sync"
	"testing"

	"github.com/andrej220/sshgate/internal/lg"
	"github.com/andrej220/sshgate/pkg/sessionpool"
	"github.com/andrej220/sshgate/pkg/transport"
	"github.com/andrej220/sshgate/pkg/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(host string) ConnectRequest {
	return ConnectRequest{
		Host:       host,
		Port:       22,
		Username:   "user",
		Credential: transport.Credential{Password: "pass"},
	}
}

func TestConnectRegistersSession(t *testing.T) {
	tr := &transporttest.Transport{Password: "pass"}
	reg := sessionpool.New()
	c := NewConnector(tr, reg, lg.Discard)

	sess, err := c.ConnectAndWait(context.Background(), request("h1"))
	require.NoError(t, err)

	assert.Equal(t, 1, reg.Len())
	got, ok := reg.Get("h1")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Equal(t, "h1", got.Host())
}

func TestConnectFailures(t *testing.T) {
	tests := []struct {
		name         string
		tr           *transporttest.Transport
		req          ConnectRequest
		wantErr      error
		wantConnects int
	}{
		{
			name:         "connection refused",
			tr:           &transporttest.Transport{Refuse: true},
			req:          request("h1"),
			wantErr:      ErrConnectionFailed,
			wantConnects: 1,
		},
		{
			name: "wrong credential",
			tr:   &transporttest.Transport{Password: "pass"},
			req: func() ConnectRequest {
				r := request("h1")
				r.Credential.Password = "wrong"
				return r
			}(),
			wantErr:      ErrAuthFailed,
			wantConnects: 1,
		},
		{
			name: "malformed address",
			tr:   &transporttest.Transport{},
			req: func() ConnectRequest {
				r := request("h1")
				r.Port = 0
				return r
			}(),
			wantErr: ErrInitiation,
		},
		{
			name: "missing credential",
			tr:   &transporttest.Transport{},
			req: func() ConnectRequest {
				r := request("h1")
				r.Credential = transport.Credential{}
				return r
			}(),
			wantErr: ErrInitiation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := sessionpool.New()
			c := NewConnector(tt.tr, reg, lg.Discard)

			f := c.Connect(context.Background(), tt.req)
			_, err := f.Result()
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, f.Resolve(nil), "future settles exactly once")

			var cerr *ConnectError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, "h1", cerr.Host)

			_, ok := reg.Get("h1")
			assert.False(t, ok)
			assert.Equal(t, 0, reg.Len())
			assert.Equal(t, tt.wantConnects, tt.tr.Connects())
		})
	}
}

func TestConnectInitiationSettlesImmediately(t *testing.T) {
	c := NewConnector(&transporttest.Transport{}, sessionpool.New(), lg.Discard)
	req := request("")
	f := c.Connect(context.Background(), req)
	assert.True(t, f.Settled())
}

func TestReconnectClosesReplacedSession(t *testing.T) {
	tr := &transporttest.Transport{}
	reg := sessionpool.New()
	c := NewConnector(tr, reg, lg.Discard)

	first, err := c.ConnectAndWait(context.Background(), request("h1"))
	require.NoError(t, err)
	second, err := c.ConnectAndWait(context.Background(), request("h1"))
	require.NoError(t, err)

	got, _ := reg.Get("h1")
	assert.Same(t, second, got)
	assert.Equal(t, 1, first.(*transporttest.Session).Closes())
	assert.False(t, first.Alive())
	assert.True(t, second.Alive())
}

func TestConcurrentConnectsLeaveOneLiveSession(t *testing.T) {
	tr := &transporttest.Transport{}
	reg := sessionpool.New()
	c := NewConnector(tr, reg, lg.Discard)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.ConnectAndWait(context.Background(), request("h1"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	registered, ok := reg.Get("h1")
	require.True(t, ok)
	alive := 0
	for _, s := range tr.Sessions() {
		if s.Alive() {
			alive++
			assert.Same(t, registered, transport.Session(s))
		}
	}
	assert.Equal(t, 1, alive)
}

func TestOpenDoesNotRegister(t *testing.T) {
	tr := &transporttest.Transport{Password: "pass"}
	reg := sessionpool.New()
	c := NewConnector(tr, reg, lg.Discard)

	registered, err := c.ConnectAndWait(context.Background(), request("h1"))
	require.NoError(t, err)

	private, err := c.Open(context.Background(), request("h1")).Result()
	require.NoError(t, err)
	assert.NotSame(t, registered, private)

	got, _ := reg.Get("h1")
	assert.Same(t, registered, got)
	assert.True(t, registered.Alive(), "registered session is left untouched")
	assert.Equal(t, 1, reg.Len())

	bad := request("h1")
	bad.Credential.Password = "wrong"
	_, err = c.Open(context.Background(), bad).Result()
	assert.ErrorIs(t, err, ErrAuthFailed)
}
