package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/austindbirch/impact_relay/internal/delivery"
	"github.com/austindbirch/impact_relay/internal/delivery/storetest"
)

// Set IMPACTRELAY_TEST_PG_DSN to a disposable database to run these tests.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("IMPACTRELAY_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("IMPACTRELAY_TEST_PG_DSN not set")
	}
	return dsn
}

func openTestStore(t *testing.T, dsn string) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, dsn)
	require.NoError(t, err)
	_, err = s.pool.Exec(ctx, `TRUNCATE impactrelay.sla_alerts, impactrelay.payload_snapshots,
		impactrelay.replay_audit, impactrelay.delivery_attempts, impactrelay.deliveries`)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	dsn := testDSN(t)
	storetest.Run(t, func(t *testing.T) delivery.Store {
		return openTestStore(t, dsn)
	})
}

func TestPrefixed(t *testing.T) {
	got := prefixed("d.", "id, tenant_id,\n\tstatus")
	require.Equal(t, "d.id, d.tenant_id, d.status", got)
}
