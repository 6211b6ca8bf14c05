package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/tablesync/internal/config"
	"github.com/harun/tablesync/internal/logger"
	"github.com/harun/tablesync/pkg/persistence"
	"github.com/harun/tablesync/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func testConfig(t *testing.T, dataDir string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.Gateway.Host = "127.0.0.1"
	cfg.Gateway.Port = 0
	cfg.Storage.Path = filepath.Join(dataDir, "tablesync.db")
	cfg.Logging.Console = false
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", Console: false})
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	daemon, err := New(cfg, log, opts...)
	require.NoError(t, err)
	return daemon
}

func stopDaemon(t *testing.T, d *Daemon) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(ctx))
}

func dial(t *testing.T, d *Daemon) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+d.Addr()+d.config.Gateway.WSPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(frame{Event: event, Data: payload}))
}

// readUntil returns the first frame named event for which match is true.
func readUntil(t *testing.T, conn *websocket.Conn, event string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event && (match == nil || match(f.Data)) {
			return f.Data
		}
	}
}

type combatSnapshot struct {
	SessionID    string                     `json:"sessionId"`
	Monsters     map[string]json.RawMessage `json:"monsters"`
	MonsterOrder []string                   `json:"monsterOrder"`
}

func hasMonster(id string) func(json.RawMessage) bool {
	return func(raw json.RawMessage) bool {
		var snap combatSnapshot
		if err := json.Unmarshal(raw, &snap); err != nil {
			return false
		}
		_, ok := snap.Monsters[id]
		return ok
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Gateway.Port = 70000

	log, err := logger.New(logger.Config{Level: "info"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = New(nil, log)
	assert.Error(t, err)
}

func TestDaemonStartStop(t *testing.T) {
	dataDir := t.TempDir()
	d := createTestDaemon(t, testConfig(t, dataDir))

	require.NoError(t, d.Start())
	status := d.Status()
	assert.True(t, status.Running)
	assert.NotEmpty(t, status.Addr)

	pid, err := ReadPID(PIDFilePath(dataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	err = d.Start()
	assert.Error(t, err, "second start must fail")

	stopDaemon(t, d)
	assert.False(t, d.Status().Running)
	_, err = os.Stat(PIDFilePath(dataDir))
	assert.True(t, os.IsNotExist(err), "PID file must be removed on stop")

	err = d.Stop(context.Background())
	assert.Error(t, err, "stop of a stopped daemon must fail")
}

func TestDaemon_FrameOverReadLimitFailsTransferForRoom(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir()))
	require.NoError(t, d.Start())
	defer stopDaemon(t, d)

	uploader := dial(t, d)
	watcher := dial(t, d)
	for _, conn := range []*websocket.Conn{uploader, watcher} {
		send(t, conn, "join", map[string]string{"sessionId": "s"})
		readUntil(t, conn, "session-updated", nil)
	}

	send(t, uploader, "background-transfer-start", map[string]any{
		"sessionId": "s", "imageId": "map", "totalChunks": 2,
	})
	payload, err := json.Marshal(map[string]any{
		"sessionId": "s", "imageId": "map", "chunkIndex": 0,
		"data": strings.Repeat("A", int(d.config.Gateway.ReadLimitBytes)+200*1024),
	})
	require.NoError(t, err)
	// the server may close the socket before the write completes
	_ = uploader.WriteJSON(frame{Event: "background-transfer-chunk", Data: payload})

	raw := readUntil(t, watcher, "background-transfer-failed", nil)
	var failed struct {
		ImageID string `json:"imageId"`
		Reason  string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(raw, &failed))
	assert.Equal(t, "map", failed.ImageID)
	assert.Equal(t, "ChunkTooLarge", failed.Reason)
}

func TestDaemon_SessionSurvivesRestart(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(t, dataDir)

	first := createTestDaemon(t, cfg)
	require.NoError(t, first.Start())

	conn := dial(t, first)
	send(t, conn, "join", map[string]string{"sessionId": "table-1"})
	readUntil(t, conn, "session-updated", nil)

	send(t, conn, "add-monster", map[string]any{
		"sessionId": "table-1",
		"monster": map[string]any{
			"id":         "goblin-1",
			"name":       "Goblin",
			"type":       "goblin",
			"currentHp":  7,
			"maxHp":      7,
			"tempHp":     0,
			"conditions": []string{},
			"isLocked":   false,
		},
	})
	raw := readUntil(t, conn, "monster-updated", nil)
	var monster struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(raw, &monster))
	assert.Equal(t, "goblin-1", monster.ID)

	stopDaemon(t, first)

	second := createTestDaemon(t, cfg)
	assert.GreaterOrEqual(t, second.Status().Restored, 1)
	require.NoError(t, second.Start())
	defer stopDaemon(t, second)

	conn = dial(t, second)
	send(t, conn, "join", map[string]string{"sessionId": "table-1"})
	raw = readUntil(t, conn, "session-updated", hasMonster("goblin-1"))

	var snap combatSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, "table-1", snap.SessionID)
	assert.Contains(t, snap.Monsters, "goblin-1")
	assert.Equal(t, []string{"goblin-1"}, snap.MonsterOrder)
}

func TestDaemon_CheckpointSchedule(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Persistence.CheckpointSchedule = "@every 1h"

	d := createTestDaemon(t, cfg)
	require.NotNil(t, d.scheduler)
	assert.Len(t, d.scheduler.Entries(), 1)

	require.NoError(t, d.Start())
	d.checkpoint()
	stopDaemon(t, d)
}

func TestDaemon_ReloadsLogLevel(t *testing.T) {
	dataDir := t.TempDir()
	cfgPath := filepath.Join(dataDir, "tablesync.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"logging":{"level":"info"}}`), 0644))

	cfg := testConfig(t, dataDir)
	d := createTestDaemon(t, cfg, WithConfigPath(cfgPath), WithVersion("1.2.3"))
	require.NotNil(t, d.watcher)

	require.NoError(t, d.Start())
	defer stopDaemon(t, d)

	d.applyConfig(&config.Config{Logging: config.LoggingConfig{Level: "debug"}})
	assert.Equal(t, "debug", zerolog.GlobalLevel().String())

	d.applyConfig(&config.Config{Logging: config.LoggingConfig{Level: "info"}})
	assert.Equal(t, "info", zerolog.GlobalLevel().String())
}

func TestEventLoop_StatsAndDeadLetters(t *testing.T) {
	d := createTestDaemon(t, testConfig(t, t.TempDir()))
	require.NoError(t, d.Start())
	defer stopDaemon(t, d)

	assert.Equal(t, statsInterval, d.eventLoop.interval)
	d.eventLoop.logStats(context.Background())
	d.eventLoop.reportDeadLetter(persistence.DeadLetter{
		Kind:      session.KindCombat,
		SessionID: "table-1",
		Error:     "disk full",
		Attempts:  1,
	})
}
