// Package nodes tracks the namenodes the cache is allowed to talk to and
// hands out pooled connections to them.
package nodes

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/edgecache/dfscache/internal/adaptor"
	"github.com/edgecache/dfscache/internal/db"
	"github.com/edgecache/dfscache/internal/status"
)

// DefaultPoolSize is the connection pool capacity used when a namenode row
// does not specify one.
const DefaultPoolSize = 4

// Conn is one borrowed connection to a namenode. It wraps the scheme's
// adaptor; Release must be called when the download finishes.
type Conn struct {
	Adaptor adaptor.Adaptor
	owner   *Bound
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	c.owner.conns <- c
}

// Bound is a namenode with its adaptor and connection pool attached.
type Bound struct {
	Desc  adaptor.Descriptor
	conns chan *Conn
}

// Acquire borrows a connection, blocking until one is free or ctx is done.
func (b *Bound) Acquire(ctx context.Context) (*Conn, error) {
	select {
	case c := <-b.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry resolves file origins to bound namenodes. Rows live in the
// registry database; resolved bindings are cached in memory, and concurrent
// resolutions of the same namenode collapse into one database load.
type Registry struct {
	database *db.DB // nil for a registry seeded purely in memory

	mu    sync.Mutex
	bound map[string]*Bound
	sf    singleflight.Group
}

// New creates a registry over the database. A nil database is allowed; only
// seeded namenodes resolve then.
func New(database *db.DB) *Registry {
	return &Registry{
		database: database,
		bound:    make(map[string]*Bound),
	}
}

// Seed binds a namenode directly, bypassing the database. Used for
// namenodes supplied through the environment and in tests.
func (r *Registry) Seed(n db.Namenode) error {
	b, err := bind(n)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.bound[b.Desc.String()] = b
	r.mu.Unlock()
	return nil
}

// Add registers a namenode in the registry database. A registry without a
// database only seeds the in-memory binding, which does not persist.
func (r *Registry) Add(ctx context.Context, n db.Namenode) error {
	if r.database == nil {
		return r.Seed(n)
	}
	if err := r.database.UpsertNamenode(ctx, n); err != nil {
		return err
	}
	// Drop any stale binding so the next resolve sees the new row.
	r.mu.Lock()
	delete(r.bound, adaptor.Descriptor{Scheme: n.Scheme, Host: n.Host, Port: n.Port}.String())
	r.mu.Unlock()
	return nil
}

// Remove deletes a namenode registration.
func (r *Registry) Remove(ctx context.Context, scheme, host string, port int) error {
	r.mu.Lock()
	delete(r.bound, adaptor.Descriptor{Scheme: scheme, Host: host, Port: port}.String())
	r.mu.Unlock()
	if r.database == nil {
		return nil
	}
	return r.database.DeleteNamenode(ctx, scheme, host, port)
}

// List returns the persistent registrations.
func (r *Registry) List(ctx context.Context) ([]db.Namenode, error) {
	if r.database == nil {
		return nil, nil
	}
	return r.database.ListNamenodes(ctx)
}

// Resolve returns the bound namenode for the descriptor. An origin with no
// registration fails with ErrNamenodeNotConfigured; a registered origin
// whose adaptor cannot be built fails with ErrNamenodeUnreachable.
func (r *Registry) Resolve(ctx context.Context, desc adaptor.Descriptor) (*Bound, error) {
	key := desc.String()

	r.mu.Lock()
	if b, ok := r.bound[key]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	v, err, _ := r.sf.Do(key, func() (interface{}, error) {
		if r.database == nil {
			return nil, fmt.Errorf("%w: %s", status.ErrNamenodeNotConfigured, key)
		}
		n, found, err := r.database.GetNamenode(ctx, desc.Scheme, desc.Host, desc.Port)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", status.ErrNamenodeNotConfigured, key)
		}
		return bind(n)
	})
	if err != nil {
		return nil, err
	}

	b := v.(*Bound)
	r.mu.Lock()
	r.bound[key] = b
	r.mu.Unlock()
	return b, nil
}

func bind(n db.Namenode) (*Bound, error) {
	desc := adaptor.Descriptor{Scheme: n.Scheme, Host: n.Host, Port: n.Port}
	factory, err := adaptor.ForScheme(n.Scheme)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", status.ErrNamenodeNotConfigured, err)
	}
	ad, err := factory(desc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", status.ErrNamenodeUnreachable, desc, err)
	}

	capacity := n.Capacity
	if capacity <= 0 {
		capacity = DefaultPoolSize
	}
	b := &Bound{
		Desc:  desc,
		conns: make(chan *Conn, capacity),
	}
	for i := 0; i < capacity; i++ {
		b.conns <- &Conn{Adaptor: ad, owner: b}
	}
	return b, nil
}
