// Package sessionpool keeps the live authenticated sessions of the service,
// one per host.
package sessionpool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/andrej220/sshgate/pkg/transport"
)

// Registry maps a host identifier to its session. The zero value is ready to
// use and safe for concurrent callers.
type Registry struct {
	m sync.Map // host -> transport.Session
}

func New() *Registry {
	return &Registry{}
}

// Put stores s under host and returns the handle it replaced, if any.
// Closing the replaced handle is the caller's decision.
func (r *Registry) Put(host string, s transport.Session) (transport.Session, bool) {
	prev, loaded := r.m.Swap(host, s)
	if !loaded {
		return nil, false
	}
	return prev.(transport.Session), true
}

func (r *Registry) Get(host string) (transport.Session, bool) {
	v, ok := r.m.Load(host)
	if !ok {
		return nil, false
	}
	return v.(transport.Session), true
}

// Remove deletes the entry for host and returns it. Removing an absent host
// is a no-op.
func (r *Registry) Remove(host string) (transport.Session, bool) {
	v, ok := r.m.LoadAndDelete(host)
	if !ok {
		return nil, false
	}
	return v.(transport.Session), true
}

// RemoveIf deletes the entry for host only while it still holds s.
func (r *Registry) RemoveIf(host string, s transport.Session) bool {
	return r.m.CompareAndDelete(host, s)
}

func (r *Registry) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Hosts returns the registered hosts in sorted order.
func (r *Registry) Hosts() []string {
	hosts := []string{}
	r.m.Range(func(k, _ any) bool {
		hosts = append(hosts, k.(string))
		return true
	})
	sort.Strings(hosts)
	return hosts
}

// CloseAll removes and closes every session. Close errors are joined.
func (r *Registry) CloseAll() error {
	var errs []error
	r.m.Range(func(k, _ any) bool {
		if s, ok := r.Remove(k.(string)); ok {
			if err := s.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", k, err))
			}
		}
		return true
	})
	return errors.Join(errs...)
}
