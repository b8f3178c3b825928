package checkout

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
	} {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		require.NoError(t, cmd.Run())
	}
	return dir
}

func TestParsePorcelain(t *testing.T) {
	out := " M internal/agent/manager.go\n?? notes.txt\nA  added.go\n"
	files := parsePorcelain([]byte(out))
	require.Len(t, files, 3)
	assert.Equal(t, protocol.CheckoutFileStat{Status: "M", Path: "internal/agent/manager.go"}, files[0])
	assert.Equal(t, protocol.CheckoutFileStat{Status: "??", Path: "notes.txt"}, files[1])
	assert.Equal(t, protocol.CheckoutFileStat{Status: "A", Path: "added.go"}, files[2])
}

func TestSnapshotUntrackedFile(t *testing.T) {
	dir := initRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hi\n"), 0644))

	update := Snapshot(dir)
	require.Len(t, update.Files, 1)
	assert.Equal(t, "??", update.Files[0].Status)
	assert.Equal(t, "hello.txt", update.Files[0].Path)
}

func TestSubscribeBadCwd(t *testing.T) {
	svc := NewService(testLogger(t))
	defer svc.Close()

	_, err := svc.Subscribe(filepath.Join(t.TempDir(), "missing"), func(protocol.CheckoutDiffUpdate) {})
	assert.Equal(t, errs.CodeBadCwd, errs.CodeOf(err))
}

func TestSubscribeDeliversInitialAndChangeUpdates(t *testing.T) {
	dir := initRepo(t)
	svc := NewService(testLogger(t))
	defer svc.Close()

	updates := make(chan protocol.CheckoutDiffUpdate, 16)
	cancel, err := svc.Subscribe(dir, func(u protocol.CheckoutDiffUpdate) {
		updates <- u
	})
	require.NoError(t, err)
	defer cancel()

	select {
	case u := <-updates:
		assert.Equal(t, dir, u.Cwd)
		assert.Empty(t, u.Files)
	case <-time.After(3 * time.Second):
		t.Fatal("no initial snapshot")
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case u := <-updates:
			if len(u.Files) == 1 && u.Files[0].Path == "new.txt" {
				return
			}
		case <-deadline:
			t.Fatal("no change update")
		}
	}
}

func TestUnsubscribeIdempotent(t *testing.T) {
	dir := initRepo(t)
	svc := NewService(testLogger(t))
	defer svc.Close()

	cancel, err := svc.Subscribe(dir, func(protocol.CheckoutDiffUpdate) {})
	require.NoError(t, err)
	cancel()
	cancel()

	// A fresh subscription after teardown creates a new watcher.
	cancel2, err := svc.Subscribe(dir, func(protocol.CheckoutDiffUpdate) {})
	require.NoError(t, err)
	cancel2()
}
