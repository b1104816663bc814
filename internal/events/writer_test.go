package events

import (
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegis/internal/db"
	"aegis/internal/migrate"
)

func openNotifications(t *testing.T, maxConns int) *sql.DB {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir(), MaxOpenConns: maxConns})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return conn
}

func storedPayloads(t *testing.T, conn *sql.DB) []Payload {
	t.Helper()
	rows, err := conn.Query(`SELECT payload_json FROM notifications ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var out []Payload
	for rows.Next() {
		var raw string
		require.NoError(t, rows.Scan(&raw))
		var p Payload
		require.NoError(t, json.Unmarshal([]byte(raw), &p))
		out = append(out, p)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSpoolStoresInOrderAndFlushesOnClose(t *testing.T) {
	conn := openNotifications(t, 0)
	s := NewSpool(Writer{DB: conn}, 0)
	for i := 0; i < 20; i++ {
		s.Emit(Notification{Name: StageStarted, RunID: "r", Payload: Payload{"i": i}})
	}
	s.Close()
	s.Emit(Notification{Name: RunCompleted, RunID: "r"})
	s.Close()

	stored := storedPayloads(t, conn)
	require.Len(t, stored, 20)
	for i, p := range stored {
		assert.EqualValues(t, i, p["i"])
	}
	assert.Zero(t, s.Dropped())
}

func TestSpoolEmitDoesNotBlockOnBusyDatabase(t *testing.T) {
	conn := openNotifications(t, 1)
	tx, err := conn.Begin()
	require.NoError(t, err)

	s := NewSpool(Writer{DB: conn}, 2)
	start := time.Now()
	for i := 0; i < 10; i++ {
		s.Emit(Notification{Name: StageStarted, RunID: "r", Payload: Payload{"i": i}})
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, s.Dropped(), int64(7))

	require.NoError(t, tx.Rollback())
	s.Close()
	assert.Len(t, storedPayloads(t, conn), 10-int(s.Dropped()))
}
