package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/wizardbeardstudio/open-lab-audit/internal/platform/audit"
)

// Chain is an opened chain store with its lifecycle hooks.
type Chain struct {
	audit.Store
	// SQL is nil for the memory driver.
	SQL *Store
}

func (c Chain) Close() error {
	if c.SQL == nil {
		return nil
	}
	return c.SQL.Close()
}

func (c Chain) Ping(ctx context.Context) error {
	if c.SQL == nil {
		return nil
	}
	return c.SQL.Ping(ctx)
}

// OpenChain opens the store for driver and, for SQL drivers, applies the
// schema. The memory driver keeps the chain in process and ignores dsn.
func OpenChain(ctx context.Context, driver, dsn string) (Chain, error) {
	if strings.EqualFold(strings.TrimSpace(driver), "memory") {
		return Chain{Store: audit.NewInMemoryStore()}, nil
	}
	s, err := Open(ctx, driver, dsn)
	if err != nil {
		return Chain{}, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return Chain{}, fmt.Errorf("migrate: %w", err)
	}
	return Chain{Store: s, SQL: s}, nil
}
