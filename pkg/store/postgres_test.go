package store

import (
	"context"
	"os"
	"testing"
)

// Postgres tests need a live server. Point PARAPET_TEST_POSTGRES_DSN at
// a scratch database to enable them.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("PARAPET_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("set PARAPET_TEST_POSTGRES_DSN to run postgres store tests")
	}
	p, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	if err := p.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	t.Cleanup(func() {
		_ = p.Reset(context.Background())
		p.Close()
	})
	return p
}

func TestPostgresEventStore(t *testing.T) {
	testEventStoreContract(t, openTestPostgres(t))
}

func TestPostgresAlertStore(t *testing.T) {
	testAlertStoreContract(t, openTestPostgres(t))
}
