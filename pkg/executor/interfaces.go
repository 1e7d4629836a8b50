package executor

import (
	"context"
	"time"

	"github.com/andrej220/sshgate/pkg/future"
	"github.com/andrej220/sshgate/pkg/transport"
)

// Executor runs one command on an authenticated session and settles the
// returned future exactly once with the aggregated output.
type Executor interface {
	Execute(ctx context.Context, sess transport.Session, command string) *future.Future[Result]
}

// SessionConnector turns host and credential into a registered session.
type SessionConnector interface {
	Connect(ctx context.Context, req ConnectRequest) *future.Future[transport.Session]
}

var (
	_ Executor         = (*ChannelExecutor)(nil)
	_ SessionConnector = (*Connector)(nil)
)

type ConnectRequest struct {
	Host       string
	Port       int
	Username   string
	Credential transport.Credential
}

// Result is the outcome of one command invocation. Error-stream bytes are
// kept apart from the primary output.
type Result struct {
	InvocationID string        `json:"invocationId" bson:"invocationId"`
	Host         string        `json:"host" bson:"host"`
	Stdout       string        `json:"stdout" bson:"stdout"`
	Stderr       string        `json:"stderr,omitempty" bson:"stderr,omitempty"`
	Truncated    bool          `json:"truncated,omitempty" bson:"truncated,omitempty"`
	Duration     time.Duration `json:"duration" bson:"duration"`
}
