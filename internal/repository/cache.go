package repository

import (
	"context"
	"database/sql"
	"sync"
)

// PreparedStatementCache keeps one prepared statement per query text for the
// lifetime of a repository. The hot lease queries go through it.
type PreparedStatementCache struct {
	mu         sync.RWMutex
	statements map[string]*sql.Stmt
	db         *sql.DB
}

// NewPreparedStatementCache creates an empty cache bound to db
func NewPreparedStatementCache(db *sql.DB) *PreparedStatementCache {
	return &PreparedStatementCache{
		statements: make(map[string]*sql.Stmt),
		db:         db,
	}
}

// Get returns the cached statement for query, preparing it on first use
func (c *PreparedStatementCache) Get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.RLock()
	if stmt, ok := c.statements[query]; ok {
		c.mu.RUnlock()
		return stmt, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.statements[query]; ok {
		return stmt, nil
	}

	stmt, err := c.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}

	c.statements[query] = stmt
	return stmt, nil
}

// Close closes every cached statement and empties the cache
func (c *PreparedStatementCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var lastErr error
	for _, stmt := range c.statements {
		if err := stmt.Close(); err != nil {
			lastErr = err
		}
	}

	c.statements = make(map[string]*sql.Stmt)
	return lastErr
}

// Size returns the number of cached statements
func (c *PreparedStatementCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.statements)
}
