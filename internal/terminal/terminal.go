// Package terminal provides pty-backed shell sessions routed through the
// session bridge. Terminals are owned by the connection that opened them and
// die with it; they do not outlive sessions the way agents do.
package terminal

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/common/errs"
	"github.com/paseo-dev/paseo/internal/common/logger"
)

const readChunkSize = 32 * 1024

// OutputFunc receives terminal output. closed is true exactly once, on the
// final callback after the pty has gone away.
type OutputFunc func(id string, data []byte, closed bool)

// Service owns every open terminal.
type Service struct {
	logger *logger.Logger

	mu    sync.Mutex
	terms map[string]*Terminal
}

// NewService creates the terminal service.
func NewService(log *logger.Logger) *Service {
	return &Service{
		logger: log.WithFields(zap.String("component", "terminal")),
		terms:  make(map[string]*Terminal),
	}
}

// Open starts a shell in a new pty and begins streaming output.
func (s *Service) Open(cwd string, cols, rows uint16, onOutput OutputFunc) (string, error) {
	if cwd != "" {
		if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
			return "", errs.Newf(errs.CodeBadCwd, "terminal cwd %q is not a directory", cwd)
		}
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.Command(shell)
	cmd.Dir = cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "cannot start pty", err)
	}

	term := &Terminal{
		id:       uuid.New().String(),
		cmd:      cmd,
		ptmx:     ptmx,
		onOutput: onOutput,
	}

	s.mu.Lock()
	s.terms[term.id] = term
	s.mu.Unlock()

	go s.pump(term)

	s.logger.Info("terminal opened",
		zap.String("terminal_id", term.id),
		zap.String("shell", shell))
	return term.id, nil
}

// Input writes raw bytes to the terminal.
func (s *Service) Input(id string, data []byte) error {
	term, err := s.get(id)
	if err != nil {
		return err
	}
	_, err = term.ptmx.Write(data)
	return err
}

// Resize changes the pty window size.
func (s *Service) Resize(id string, cols, rows uint16) error {
	term, err := s.get(id)
	if err != nil {
		return err
	}
	return pty.Setsize(term.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Close kills the terminal's process and releases the pty. Idempotent.
func (s *Service) Close(id string) {
	s.mu.Lock()
	term, ok := s.terms[id]
	if ok {
		delete(s.terms, id)
	}
	s.mu.Unlock()
	if ok {
		term.close()
	}
}

// CloseAll tears down every terminal, for daemon shutdown.
func (s *Service) CloseAll() {
	s.mu.Lock()
	terms := make([]*Terminal, 0, len(s.terms))
	for _, term := range s.terms {
		terms = append(terms, term)
	}
	s.terms = make(map[string]*Terminal)
	s.mu.Unlock()

	for _, term := range terms {
		term.close()
	}
}

func (s *Service) get(id string) (*Terminal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	term, ok := s.terms[id]
	if !ok {
		return nil, errs.Newf(errs.CodeBadRequest, "terminal %q not found", id)
	}
	return term, nil
}

// pump reads pty output until EOF, then reaps the process and emits the
// closed callback.
func (s *Service) pump(term *Terminal) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := term.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			term.onOutput(term.id, chunk, false)
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("pty read ended", zap.String("terminal_id", term.id), zap.Error(err))
			}
			break
		}
	}

	s.mu.Lock()
	delete(s.terms, term.id)
	s.mu.Unlock()

	term.close()
	term.closedOnce.Do(func() { term.onOutput(term.id, nil, true) })
}

// Terminal is one live pty session.
type Terminal struct {
	id       string
	cmd      *exec.Cmd
	ptmx     *os.File
	onOutput OutputFunc

	closeOnce  sync.Once
	closedOnce sync.Once
}

func (t *Terminal) close() {
	t.closeOnce.Do(func() {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.ptmx.Close()
		go func() { _ = t.cmd.Wait() }()
	})
}
