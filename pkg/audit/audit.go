// Package audit records every command execution the gateway performs.
package audit

import (
	"context"
	"errors"
	"time"
)

// Record describes one execution. Credentials are never part of it.
type Record struct {
	ID        string        `json:"id" bson:"_id" yaml:"id"`
	Host      string        `json:"host" bson:"host" yaml:"host"`
	Command   string        `json:"command" bson:"command" yaml:"command"`
	Stdout    string        `json:"stdout,omitempty" bson:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty" bson:"stderr,omitempty" yaml:"stderr,omitempty"`
	Truncated bool          `json:"truncated,omitempty" bson:"truncated,omitempty" yaml:"truncated,omitempty"`
	Error     string        `json:"error,omitempty" bson:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time     `json:"startedAt" bson:"startedAt" yaml:"startedAt"`
	Duration  time.Duration `json:"duration" bson:"duration" yaml:"duration"`
}

// Failed reports whether the execution ended with an error.
func (r Record) Failed() bool { return r.Error != "" }

type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Nop discards records.
type Nop struct{}

func (Nop) Record(context.Context, Record) error { return nil }

// Multi fans a record out to every recorder and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
