package sandbox

import (
	"context"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestCheckCommandRejectsDestructive(t *testing.T) {
	p := NewPolicy(t.TempDir())
	for _, cmd := range []string{
		"rm -rf /",
		"rm file.txt",
		"sudo ls",
		"dd if=/dev/zero of=/dev/sda",
		"chmod 777 /etc/passwd",
		"kill -9 1",
		"bash -c ls",
		"ssh host ls",
	} {
		if err := p.CheckCommand(cmd); err == nil {
			t.Errorf("CheckCommand(%q) should fail", cmd)
		}
	}
}

func TestCheckCommandRejectsShellConstructs(t *testing.T) {
	p := NewPolicy(t.TempDir())
	for _, cmd := range []string{
		"cat /etc/passwd > out.txt",
		"cat < secret",
		"echo `whoami`",
		"echo $(whoami)",
		"echo ${HOME}",
		"(ls)",
		"ls\nrm -rf /",
		"",
	} {
		if err := p.CheckCommand(cmd); err == nil {
			t.Errorf("CheckCommand(%q) should fail", cmd)
		}
	}
}

func TestCheckCommandAllowsWhitelisted(t *testing.T) {
	p := NewPolicy(t.TempDir())
	for _, cmd := range []string{
		"ls -la",
		"cat notes.md",
		"grep -r pattern .",
		"git status",
		"ls | wc -l",
		"mkdir docs && ls docs",
		"which go; date",
	} {
		if err := p.CheckCommand(cmd); err != nil {
			t.Errorf("CheckCommand(%q) = %v, want nil", cmd, err)
		}
	}
}

func TestCheckCommandChainSegmentsAllChecked(t *testing.T) {
	p := NewPolicy(t.TempDir())
	// A safe head must not smuggle a blocked tail through.
	for _, cmd := range []string{
		"ls && rm -rf /",
		"true || sudo ls",
		"date; dd if=/dev/zero",
		"cat file | bash",
	} {
		if err := p.CheckCommand(cmd); err == nil {
			t.Errorf("CheckCommand(%q) should fail on the blocked segment", cmd)
		}
	}
}

func TestAllowBinsExtends(t *testing.T) {
	p := NewPolicy(t.TempDir())
	if err := p.CheckCommand("ffmpeg -i in.mp4"); err == nil {
		t.Fatal("ffmpeg should not be allowed by default")
	}
	p.AllowBins([]string{"ffmpeg"})
	if err := p.CheckCommand("ffmpeg -i in.mp4"); err != nil {
		t.Errorf("ffmpeg should be allowed after AllowBins: %v", err)
	}
	// Blocklist wins over the whitelist.
	p.AllowBins([]string{"rm"})
	if err := p.CheckCommand("rm file"); err == nil {
		t.Errorf("rm must stay blocked even when whitelisted")
	}
}

func TestResolveWorkDir(t *testing.T) {
	root := t.TempDir()
	p := NewPolicy(root)

	if dir, err := p.ResolveWorkDir(""); err != nil || dir != root {
		t.Errorf("empty request = (%q, %v), want workspace root", dir, err)
	}
	if _, err := p.ResolveWorkDir("sub/dir"); err != nil {
		t.Errorf("relative subdir rejected: %v", err)
	}
	if _, err := p.ResolveWorkDir("/tmp/scratch"); err != nil {
		t.Errorf("/tmp rejected: %v", err)
	}
	for _, req := range []string{"/etc", "../..", "/root", root + "/../other"} {
		if dir, err := p.ResolveWorkDir(req); err == nil {
			t.Errorf("ResolveWorkDir(%q) = %q, want error", req, dir)
		}
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	m := NewSessionManager(NewPolicy(t.TempDir()))
	ctx := context.Background()

	out, code, err := m.Run(ctx, "echo hello", "", 5*time.Second)
	if err != nil || code != 0 {
		t.Fatalf("Run = (%q, %d, %v)", out, code, err)
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output = %q", out)
	}

	_, code, err = m.Run(ctx, "false", "", 5*time.Second)
	if err != nil {
		t.Fatalf("nonzero exit should not be an error: %v", err)
	}
	if code == 0 {
		t.Errorf("exit code = 0, want nonzero")
	}

	if _, _, err := m.Run(ctx, "rm -rf /", "", time.Second); err == nil {
		t.Fatal("policy must block before spawn")
	}
}

func TestRunTimeout(t *testing.T) {
	m := NewSessionManager(NewPolicy(t.TempDir()))
	_, _, err := m.Run(context.Background(), "sleep 10", "", 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestBackgroundSessionLifecycle(t *testing.T) {
	m := NewSessionManager(NewPolicy(t.TempDir()))

	sess, err := m.Start("echo line1; echo line2", "")
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, _ := m.Get(sess.ID)
		s.mu.Lock()
		running := s.Running
		s.mu.Unlock()
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}

	tail := sess.Tail(10)
	if len(tail) != 2 || tail[0] != "line1" || tail[1] != "line2" {
		t.Errorf("tail = %v", tail)
	}
}

func TestKillSession(t *testing.T) {
	m := NewSessionManager(NewPolicy(t.TempDir()))
	sess, err := m.Start("sleep 60", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Kill(sess.ID, 0); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if _, ok := m.Get(sess.ID); ok {
		t.Errorf("killed session still listed")
	}
	if err := m.Kill(sess.ID, 0); err == nil {
		t.Errorf("double kill should report missing session")
	}
}

func TestKillSessionWithSignal(t *testing.T) {
	m := NewSessionManager(NewPolicy(t.TempDir()))
	sess, err := m.Start("sleep 60", "")
	if err != nil {
		t.Fatal(err)
	}

	// A gentler signal keeps the record so the collector can note the exit.
	if err := m.Kill(sess.ID, syscall.SIGTERM); err != nil {
		t.Fatalf("Kill(TERM): %v", err)
	}
	if _, ok := m.Get(sess.ID); !ok {
		t.Fatalf("SIGTERM must not drop the session record")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		s, _ := m.Get(sess.ID)
		s.mu.Lock()
		running := s.Running
		s.mu.Unlock()
		if !running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session survived SIGTERM")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionRingBuffer(t *testing.T) {
	s := &Session{}
	for i := 0; i < maxSessionLines+50; i++ {
		s.appendLine("line")
	}
	if got := len(s.Tail(0)); got != maxSessionLines {
		t.Errorf("ring kept %d lines, want %d", got, maxSessionLines)
	}
}
