package syncjob

import (
	"context"
	"sync"

	"github.com/dbforge/pgbridge/internal/database"
	"github.com/dbforge/pgbridge/internal/database/postgres"
	"github.com/dbforge/pgbridge/internal/errs"
)

// Environment classifies a connection target. Production targets require
// the confirmation gate at job creation.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Connection describes one registered database endpoint.
type Connection struct {
	ID          string      `yaml:"id" json:"id"`
	DisplayName string      `yaml:"displayName" json:"displayName"`
	Environment Environment `yaml:"environment" json:"environment"`
	DSN         string      `yaml:"dsn" json:"-"`
}

// ConnectionProvider resolves a connection by id for a user and opens a
// database handle for it.
type ConnectionProvider interface {
	Get(ctx context.Context, connectionID, userID string) (*Connection, error)
	Open(ctx context.Context, conn *Connection) (database.DB, error)
}

// StaticProvider serves connections from configuration. Handles are
// pooled per connection id and shared across jobs.
type StaticProvider struct {
	mu    sync.Mutex
	conns map[string]*Connection
	open  map[string]database.DB
	dial  func(ctx context.Context, cfg *database.Config) (database.DB, error)
}

// NewStaticProvider builds a provider over a fixed connection list.
func NewStaticProvider(conns []Connection) *StaticProvider {
	p := &StaticProvider{
		conns: make(map[string]*Connection, len(conns)),
		open:  make(map[string]database.DB),
		dial: func(ctx context.Context, cfg *database.Config) (database.DB, error) {
			return postgres.New(ctx, cfg)
		},
	}
	for i := range conns {
		c := conns[i]
		p.conns[c.ID] = &c
	}
	return p
}

func (p *StaticProvider) Get(_ context.Context, connectionID, _ string) (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.conns[connectionID]
	if !ok {
		return nil, errs.Newf(errs.ErrKindNotFound, "connection %s not found", connectionID)
	}
	return c, nil
}

func (p *StaticProvider) Open(ctx context.Context, conn *Connection) (database.DB, error) {
	p.mu.Lock()
	if db, ok := p.open[conn.ID]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	db, err := p.dial(ctx, database.DefaultConfig(conn.DSN))
	if err != nil {
		return nil, errs.Wrap(errs.ErrKindConnection, "opening connection "+conn.ID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.open[conn.ID]; ok {
		db.Close()
		return existing, nil
	}
	p.open[conn.ID] = db
	return db, nil
}

// Close releases every pooled handle.
func (p *StaticProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, db := range p.open {
		db.Close()
		delete(p.open, id)
	}
}
