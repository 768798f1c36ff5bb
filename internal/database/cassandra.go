package database

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"rentalconnect-realtime/pkg/config"
)

// DefaultCassandraQueryTimeout is the default timeout for Cassandra queries
const DefaultCassandraQueryTimeout = 5 * time.Second

// CassandraDB wraps the gocql Session with context support
type CassandraDB struct {
	Session *gocql.Session
}

// NewCassandraDB creates a session from config
func NewCassandraDB(cfg *config.CassandraConfig) (*CassandraDB, error) {
	cluster := gocql.NewCluster(cfg.Hosts...)
	cluster.Keyspace = cfg.Keyspace
	cluster.Consistency = gocql.Quorum

	cluster.Timeout = DefaultCassandraQueryTimeout
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
	}

	if cfg.Username != "" && cfg.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: cfg.Username,
			Password: cfg.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create Cassandra session: %w", err)
	}
	return &CassandraDB{Session: session}, nil
}

// Close closes the Cassandra session
func (c *CassandraDB) Close() {
	c.Session.Close()
}

// Query builds a query bound to ctx
func (c *CassandraDB) Query(ctx context.Context, stmt string, values ...any) *gocql.Query {
	return c.Session.Query(stmt, values...).WithContext(ctx)
}

// Exec runs a statement that returns no rows
func (c *CassandraDB) Exec(ctx context.Context, stmt string, values ...any) error {
	return c.Query(ctx, stmt, values...).Exec()
}
