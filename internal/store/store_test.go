package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	s, err := Open(t.TempDir(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func textEntry(epoch, seq uint64, text string) *protocol.Entry {
	return &protocol.Entry{
		Epoch:     epoch,
		Seq:       seq,
		Timestamp: time.Now().UTC(),
		Item: protocol.Item{
			Kind:             protocol.ItemAssistantMessage,
			AssistantMessage: &protocol.AssistantMessage{Text: text},
		},
	}
}

func TestStore_SaveLoadRecord(t *testing.T) {
	s := newTestStore(t)

	rec := &AgentRecord{
		ID:        "a1",
		Provider:  "claude",
		Cwd:       "/tmp/project",
		ModeID:    "default",
		State:     protocol.AgentStateIdle,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, s.SaveRecord(rec))

	records, err := s.LoadRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a1", records[0].ID)
	assert.Equal(t, "claude", records[0].Provider)
	assert.Equal(t, "/tmp/project", records[0].Cwd)
}

func TestStore_AppendAndLoadSegments(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRecord(&AgentRecord{ID: "a1", Provider: "codex", Cwd: "/tmp"}))

	for seq := uint64(1); seq <= 3; seq++ {
		require.NoError(t, s.AppendEntry("a1", textEntry(1, seq, "chunk")))
	}
	require.NoError(t, s.AppendEntry("a1", textEntry(2, 1, "after restart")))

	segments, err := s.LoadSegments("a1")
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, uint64(1), segments[0].Epoch)
	assert.Len(t, segments[0].Entries, 3)
	assert.Equal(t, uint64(2), segments[1].Epoch)
	assert.Len(t, segments[1].Entries, 1)

	latest, err := s.LatestEpoch("a1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), latest)
}

func TestStore_CorruptSegmentFailsClosed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRecord(&AgentRecord{ID: "a1", Provider: "codex", Cwd: "/tmp"}))
	require.NoError(t, s.AppendEntry("a1", textEntry(1, 1, "ok")))

	path := filepath.Join(s.agentDir("a1"), timelineDir, "1.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = s.LoadSegments("a1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.New(errs.CodeCorruptTimeline, "")))
}

func TestStore_SeqGapDetected(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRecord(&AgentRecord{ID: "a1", Provider: "codex", Cwd: "/tmp"}))
	require.NoError(t, s.AppendEntry("a1", textEntry(1, 1, "one")))
	require.NoError(t, s.AppendEntry("a1", textEntry(1, 3, "skipped two")))

	_, err := s.LoadSegments("a1")
	require.Error(t, err)
	assert.Equal(t, errs.CodeCorruptTimeline, errs.CodeOf(err))
}

func TestStore_HandleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRecord(&AgentRecord{ID: "a1", Provider: "claude", Cwd: "/tmp"}))

	h, err := s.LoadHandle("a1")
	require.NoError(t, err)
	assert.Nil(t, h)

	require.NoError(t, s.SaveHandle("a1", &Handle{Provider: "claude", SessionID: "sess-9"}))
	h, err = s.LoadHandle("a1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, "sess-9", h.SessionID)
}

func TestStore_DaemonKeyStable(t *testing.T) {
	s := newTestStore(t)

	key1, err := s.LoadOrCreateDaemonKey()
	require.NoError(t, err)
	require.Len(t, key1, 32)

	key2, err := s.LoadOrCreateDaemonKey()
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	info, err := os.Stat(filepath.Join(s.Root(), daemonKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStore_PairingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	pairings, err := s.LoadPairings()
	require.NoError(t, err)
	assert.Empty(t, pairings)

	in := []PairedClient{{ClientID: "c1", PublicKeyB64: "AAAA", LastSeen: time.Now().UTC()}}
	require.NoError(t, s.SavePairings(in))

	pairings, err = s.LoadPairings()
	require.NoError(t, err)
	require.Len(t, pairings, 1)
	assert.Equal(t, "c1", pairings[0].ClientID)
}

func TestStore_DeleteAgent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SaveRecord(&AgentRecord{ID: "a1", Provider: "codex", Cwd: "/tmp"}))
	require.NoError(t, s.AppendEntry("a1", textEntry(1, 1, "x")))

	require.NoError(t, s.DeleteAgent("a1"))

	records, err := s.LoadRecords()
	require.NoError(t, err)
	assert.Empty(t, records)
}
