package sandbox

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxSessionLines bounds each session's output ring buffer.
	maxSessionLines = 1000
	// sessionIdleReap removes finished sessions that nobody polled.
	sessionIdleReap = time.Hour
)

// Session is one background command with its captured output.
type Session struct {
	ID        string
	Command   string
	StartedAt time.Time
	EndedAt   time.Time
	ExitCode  int
	Running   bool

	mu    sync.Mutex
	lines []string
	pid   int
}

// appendLine adds one output line, evicting the oldest past the cap.
func (s *Session) appendLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > maxSessionLines {
		s.lines = s.lines[len(s.lines)-maxSessionLines:]
	}
}

// Tail returns up to n of the most recent output lines.
func (s *Session) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.lines) {
		n = len(s.lines)
	}
	out := make([]string, n)
	copy(out, s.lines[len(s.lines)-n:])
	return out
}

// SessionManager runs policy-checked commands in the background and keeps
// their output for later retrieval.
type SessionManager struct {
	policy *Policy

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   int
}

func NewSessionManager(policy *Policy) *SessionManager {
	return &SessionManager{
		policy:   policy,
		sessions: make(map[string]*Session),
	}
}

// Run executes a command synchronously with the policy applied and a
// timeout. Output is combined stdout+stderr, truncated to the ring cap.
func (m *SessionManager) Run(ctx context.Context, command, workDir string, timeout time.Duration) (string, int, error) {
	if err := m.policy.CheckCommand(command); err != nil {
		return "", -1, err
	}
	dir, err := m.policy.ResolveWorkDir(workDir)
	if err != nil {
		return "", -1, err
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = FilterEnv()
	out, err := cmd.CombinedOutput()

	text := capLines(string(out))
	if runCtx.Err() == context.DeadlineExceeded {
		return text, -1, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return text, exitErr.ExitCode(), nil
		}
		return text, -1, err
	}
	return text, 0, nil
}

// Start launches a command as a background session and returns its ID.
// The process runs in its own group so Kill can take down descendants.
func (m *SessionManager) Start(command, workDir string) (*Session, error) {
	if err := m.policy.CheckCommand(command); err != nil {
		return nil, err
	}
	dir, err := m.policy.ResolveWorkDir(workDir)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = FilterEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}

	m.mu.Lock()
	m.nextID++
	sess := &Session{
		ID:        fmt.Sprintf("s%d", m.nextID),
		Command:   command,
		StartedAt: time.Now(),
		Running:   true,
		pid:       cmd.Process.Pid,
	}
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	go m.collect(sess, cmd, stdout)
	return sess, nil
}

func (m *SessionManager) collect(sess *Session, cmd *exec.Cmd, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		sess.appendLine(scanner.Text())
	}
	err := cmd.Wait()

	sess.mu.Lock()
	sess.Running = false
	sess.EndedAt = time.Now()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			sess.ExitCode = exitErr.ExitCode()
		} else {
			sess.ExitCode = -1
		}
	}
	sess.mu.Unlock()
}

// Get returns a session by ID.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns all sessions, newest first.
func (m *SessionManager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Kill sends sig to a session's whole process group, falling back to the
// process itself. A zero sig means SIGKILL. Only SIGKILL removes the
// session record; gentler signals leave it tracked so the collector can
// record the exit (or a later SIGKILL can finish the job).
func (m *SessionManager) Kill(id string, sig syscall.Signal) error {
	if sig == 0 {
		sig = syscall.SIGKILL
	}
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok && sig == syscall.SIGKILL {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session %q", id)
	}

	sess.mu.Lock()
	running, pid := sess.Running, sess.pid
	sess.mu.Unlock()
	if !running {
		return nil
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		if err := syscall.Kill(pid, sig); err != nil {
			return fmt.Errorf("signaling session %s (pid %d): %w", id, pid, err)
		}
	}
	return nil
}

// StartReaper runs the GC sweep until the context ends.
func (m *SessionManager) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Reap()
			}
		}
	}()
}

// Reap drops finished sessions older than the idle window.
func (m *SessionManager) Reap() {
	cutoff := time.Now().Add(-sessionIdleReap)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		s.mu.Lock()
		done := !s.Running && s.EndedAt.Before(cutoff)
		s.mu.Unlock()
		if done {
			delete(m.sessions, id)
		}
	}
}

func capLines(out string) string {
	lines := strings.Split(out, "\n")
	if len(lines) <= maxSessionLines {
		return out
	}
	return strings.Join(lines[len(lines)-maxSessionLines:], "\n")
}
