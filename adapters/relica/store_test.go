package relica

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/topicbus"
	"github.com/coregx/topicbus/model"
)

// openSQLite returns a migrated file-backed SQLite database. Builds without
// cgo cannot open sqlite3, so the tests using it are skipped there.
func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "topicbus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	if err := db.PingContext(t.Context()); err != nil {
		t.Skipf("sqlite3 unavailable: %v", err)
	}
	require.NoError(t, Migrate(t.Context(), db, "sqlite3", ""))
	return db
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRowContext(t.Context(), "SELECT COUNT(*) FROM "+table).Scan(&n))
	return n
}

func TestStore_EnqueueFanOut(t *testing.T) {
	db := openSQLite(t)
	b, err := New(db, "sqlite3")
	require.NoError(t, err)
	ctx := t.Context()

	require.NoError(t, b.EnsureSubscription(ctx, "fire", "assess"))
	require.NoError(t, b.EnsureSubscription(ctx, "fire", "audit"))

	msg := &model.Message{Body: []byte(`{}`), MessageID: "m-1", Properties: model.Properties{}}
	seq, err := b.store.enqueue(ctx, "fire", msg, time.Time{})
	require.NoError(t, err)
	assert.Positive(t, seq)
	assert.Equal(t, 1, countRows(t, db, "topicbus_message"))
	assert.Equal(t, 2, countRows(t, db, "topicbus_delivery"))

	// Without subscribers only the sequence number survives.
	_, err = b.store.enqueue(ctx, "smoke", msg, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "topicbus_message"))
}

func TestStore_EnqueueRollsBackOnDeliveryFailure(t *testing.T) {
	db := openSQLite(t)
	b, err := New(db, "sqlite3")
	require.NoError(t, err)
	ctx := t.Context()

	require.NoError(t, b.EnsureSubscription(ctx, "fire", "assess"))
	require.NoError(t, b.EnsureSubscription(ctx, "fire", "audit"))

	// The second delivery insert fails after the first one succeeded.
	_, err = db.ExecContext(ctx, `CREATE TRIGGER reject_audit BEFORE INSERT ON topicbus_delivery
WHEN NEW.subscription_id = (SELECT id FROM topicbus_subscription WHERE name = 'audit')
BEGIN SELECT RAISE(ABORT, 'audit unavailable'); END`)
	require.NoError(t, err)

	msg := &model.Message{Body: []byte(`{}`), MessageID: "m-1", Properties: model.Properties{}}
	_, err = b.store.enqueue(ctx, "fire", msg, time.Time{})
	require.Error(t, err)
	assert.True(t, topicbus.HasCode(err, topicbus.ErrCodeDatabase))
	assert.Equal(t, 0, countRows(t, db, "topicbus_message"))
	assert.Equal(t, 0, countRows(t, db, "topicbus_delivery"))

	// A retry after recovery delivers exactly once per subscription.
	_, err = db.ExecContext(ctx, "DROP TRIGGER reject_audit")
	require.NoError(t, err)

	_, err = b.store.enqueue(ctx, "fire", msg, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "topicbus_message"))

	var perSubscription []int
	rows, err := db.QueryContext(ctx,
		"SELECT COUNT(*) FROM topicbus_delivery GROUP BY subscription_id ORDER BY subscription_id")
	require.NoError(t, err)
	defer rows.Close()
	for rows.Next() {
		var n int
		require.NoError(t, rows.Scan(&n))
		perSubscription = append(perSubscription, n)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []int{1, 1}, perSubscription)
}
