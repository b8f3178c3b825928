package terminal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
)

type outputCollector struct {
	mu     sync.Mutex
	data   strings.Builder
	closed bool
}

func (c *outputCollector) fn(_ string, data []byte, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Write(data)
	if closed {
		c.closed = true
	}
}

func (c *outputCollector) contains(s string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Contains(c.data.String(), s)
}

func (c *outputCollector) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *outputCollector) containsFn(s string) func() bool {
	return func() bool { return c.contains(s) }
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	svc := NewService(log)
	t.Cleanup(svc.CloseAll)
	return svc
}

func TestOpenEchoAndClose(t *testing.T) {
	svc := newTestService(t)
	var out outputCollector

	id, err := svc.Open(t.TempDir(), 80, 24, out.fn)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, svc.Input(id, []byte("echo paseo-term-check\n")))
	require.Eventually(t, out.containsFn("paseo-term-check"), 5*time.Second, 20*time.Millisecond)

	svc.Close(id)
	require.Eventually(t, out.isClosed, 5*time.Second, 20*time.Millisecond)

	// Closed terminals reject input.
	err = svc.Input(id, []byte("x"))
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}

func TestOpenBadCwd(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Open("/definitely/not/a/dir", 80, 24, func(string, []byte, bool) {})
	assert.Equal(t, errs.CodeBadCwd, errs.CodeOf(err))
}

func TestResize(t *testing.T) {
	svc := newTestService(t)
	var out outputCollector

	id, err := svc.Open("", 80, 24, out.fn)
	require.NoError(t, err)
	require.NoError(t, svc.Resize(id, 120, 40))
	svc.Close(id)
}

func TestShellExitEmitsClosed(t *testing.T) {
	svc := newTestService(t)
	var out outputCollector

	id, err := svc.Open("", 80, 24, out.fn)
	require.NoError(t, err)
	require.NoError(t, svc.Input(id, []byte("exit\n")))
	require.Eventually(t, out.isClosed, 5*time.Second, 20*time.Millisecond)

	err = svc.Input(id, []byte("x"))
	assert.Equal(t, errs.CodeBadRequest, errs.CodeOf(err))
}
