// Package workspace manages the per-user directory of persona and memory
// files that ground every conversation. All loads are size-capped with a
// deterministic truncation policy so a runaway file can never blow the
// prompt budget.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// TruncationMarker is appended whenever a file had to be cut on load.
const TruncationMarker = "\n\n[... truncated ...]"

// File names inside the workspace root. Fixed set; anything else in the
// directory is ignored by Load.
const (
	FileAgents    = "AGENTS.md"
	FileBootstrap = "BOOTSTRAP.md"
	FileIdentity  = "IDENTITY.md"
	FileSoul      = "SOUL.md"
	FileUser      = "USER.md"
	FileTools     = "TOOLS.md"
	FileHeartbeat = "HEARTBEAT.md"
	FileMemory    = "MEMORY.md"

	MemoryDir = "memory"
)

// charCaps holds the per-file load cap in characters. Bootstrap is
// uncapped: the onboarding prompt must arrive whole.
var charCaps = map[string]int{
	FileIdentity:  2000,
	FileSoul:      4000,
	FileUser:      3000,
	FileAgents:    8000,
	FileTools:     3000,
	FileHeartbeat: 2000,
	FileMemory:    6000,
	FileBootstrap: 0,
}

// dailyLogCap bounds each daily memory file when loaded for the prompt.
const dailyLogCap = 4000

// Workspace is the loaded snapshot of the per-user directory. Missing
// files come back as empty strings; absence is not an error.
type Workspace struct {
	Agents    string
	Bootstrap string
	Identity  string
	Soul      string
	User      string
	Tools     string
	Heartbeat string
	Memory    string

	// Truncated lists the files that were cut on load, for prompt warnings.
	Truncated []string
}

// HasBootstrap reports whether the onboarding prompt is still present.
func (w *Workspace) HasBootstrap() bool {
	return strings.TrimSpace(w.Bootstrap) != ""
}

// Store reads and writes workspace files rooted at a single directory.
type Store struct {
	root   string
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Workspace
}

// NewStore creates a workspace store rooted at dir, creating the directory
// tree if needed.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dir, MemoryDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}
	return &Store{
		root:   dir,
		logger: logger.With("component", "workspace"),
	}, nil
}

// Root returns the workspace root directory.
func (s *Store) Root() string { return s.root }

// MemoryPath returns the daily-memory directory path.
func (s *Store) MemoryPath() string { return filepath.Join(s.root, MemoryDir) }

// Load reads the whole file set with a parallel fan-out and returns the
// capped snapshot. The result is cached until Invalidate or a write.
func (s *Store) Load() *Workspace {
	s.mu.RLock()
	if s.cached != nil {
		ws := s.cached
		s.mu.RUnlock()
		return ws
	}
	s.mu.RUnlock()

	names := []string{
		FileAgents, FileBootstrap, FileIdentity, FileSoul,
		FileUser, FileTools, FileHeartbeat, FileMemory,
	}

	type loaded struct {
		name      string
		content   string
		truncated bool
	}
	results := make([]loaded, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			content, truncated := s.readCapped(name)
			results[i] = loaded{name: name, content: content, truncated: truncated}
		}(i, name)
	}
	wg.Wait()

	ws := &Workspace{}
	for _, r := range results {
		switch r.name {
		case FileAgents:
			ws.Agents = r.content
		case FileBootstrap:
			ws.Bootstrap = r.content
		case FileIdentity:
			ws.Identity = r.content
		case FileSoul:
			ws.Soul = r.content
		case FileUser:
			ws.User = r.content
		case FileTools:
			ws.Tools = r.content
		case FileHeartbeat:
			ws.Heartbeat = r.content
		case FileMemory:
			ws.Memory = r.content
		}
		if r.truncated {
			ws.Truncated = append(ws.Truncated, r.name)
		}
	}
	sort.Strings(ws.Truncated)

	s.mu.Lock()
	s.cached = ws
	s.mu.Unlock()
	return ws
}

// Invalidate drops the cached snapshot so the next Load re-reads disk.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// readCapped reads one named file and applies its char cap.
func (s *Store) readCapped(name string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(s.root, name))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("workspace file unreadable", "file", name, "error", err)
		}
		return "", false
	}
	content := string(data)
	cap := charCaps[name]
	if cap <= 0 || len(content) <= cap {
		return content, false
	}
	return TruncateAt(content, cap) + TruncationMarker, true
}

// TruncateAt cuts content to at most cap characters, preferring the last
// paragraph break inside [cap*0.7, cap] so the cut lands between thoughts.
func TruncateAt(content string, cap int) string {
	if len(content) <= cap {
		return content
	}
	window := content[:cap]
	floor := cap * 7 / 10
	if idx := strings.LastIndex(window, "\n\n"); idx >= floor {
		return window[:idx]
	}
	return window
}

// Save writes a workspace file atomically (temp + rename) and invalidates
// the snapshot cache.
func (s *Store) Save(name, content string) error {
	path := filepath.Join(s.root, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", name, err)
	}
	s.Invalidate()
	s.logger.Debug("workspace file saved", "file", name, "bytes", len(content))
	return nil
}

// Delete removes a workspace file (used when BOOTSTRAP.md completes).
func (s *Store) Delete(name string) error {
	err := os.Remove(filepath.Join(s.root, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	s.Invalidate()
	return nil
}

// AppendDailyLog appends a timestamped section to today's daily memory file.
func (s *Store) AppendDailyLog(content string) error {
	day := time.Now().Format("2006-01-02")
	path := filepath.Join(s.MemoryPath(), day+".md")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening daily log: %w", err)
	}
	defer f.Close()

	stamp := time.Now().Format("15:04")
	if _, err := fmt.Fprintf(f, "\n## %s\n\n%s\n", stamp, strings.TrimSpace(content)); err != nil {
		return fmt.Errorf("appending daily log: %w", err)
	}
	return nil
}

// sectionHeader matches the "## HH:MM" timestamp headers AppendDailyLog writes.
var sectionHeader = regexp.MustCompile(`(?m)^## `)

// RecentDaily concatenates the last `days` daily files (today first going
// back), each independently capped. Over-cap files lose their oldest
// timestamp sections first.
func (s *Store) RecentDaily(days int) string {
	if days <= 0 {
		days = 2
	}
	var parts []string
	now := time.Now()
	for i := 0; i < days; i++ {
		day := now.AddDate(0, 0, -i).Format("2006-01-02")
		data, err := os.ReadFile(filepath.Join(s.MemoryPath(), day+".md"))
		if err != nil {
			continue
		}
		content := trimOldestSections(string(data), dailyLogCap)
		if strings.TrimSpace(content) == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s", day, strings.TrimSpace(content)))
	}
	return strings.Join(parts, "\n\n")
}

// ListDailyFiles returns the daily memory file paths sorted newest first.
func (s *Store) ListDailyFiles() []string {
	entries, err := os.ReadDir(s.MemoryPath())
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") || strings.HasPrefix(name, ".") {
			continue
		}
		files = append(files, filepath.Join(s.MemoryPath(), name))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	return files
}

// trimOldestSections drops leading "## timestamp" sections until the
// content fits the cap. Falls back to a plain tail cut when a single
// section is over budget.
func trimOldestSections(content string, cap int) string {
	if len(content) <= cap {
		return content
	}
	locs := sectionHeader.FindAllStringIndex(content, -1)
	for _, loc := range locs {
		rest := content[loc[0]:]
		if len(rest) <= cap {
			return rest
		}
	}
	if len(content) > cap {
		return content[len(content)-cap:]
	}
	return content
}
