// Package sandbox enforces the command-execution contract for the shell
// tool: binary whitelisting, destructive-command rejection, shell
// metacharacter bans, a confined working directory, and a stripped
// environment.
package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// safeEnvVars is the only environment passed to child processes.
var safeEnvVars = []string{"PATH", "HOME", "USER", "LANG", "TERM"}

// defaultAllowedBins is the binary whitelist. Anything not listed is
// rejected before spawn.
var defaultAllowedBins = map[string]bool{
	"ls": true, "cat": true, "head": true, "tail": true, "wc": true,
	"grep": true, "rg": true, "find": true, "sort": true, "uniq": true,
	"cut": true, "tr": true, "date": true, "cal": true, "echo": true,
	"pwd": true, "which": true, "file": true, "stat": true, "du": true,
	"df": true, "uptime": true, "whoami": true, "hostname": true,
	"uname": true, "ps": true, "env": true, "basename": true,
	"dirname": true, "realpath": true, "sleep": true, "true": true,
	"false": true, "seq": true, "git": true, "jq": true, "curl": true,
	"diff": true, "md5sum": true, "sha256sum": true, "tar": true,
	"gzip": true, "gunzip": true, "zip": true, "unzip": true,
	"mkdir": true, "touch": true, "cp": true, "mv": true,
	"python3": true, "node": true, "go": true,
}

// blockedBins are destructive or escalation-prone and always rejected,
// even if someone adds them to the whitelist.
var blockedBins = map[string]bool{
	"rm": true, "rmdir": true, "dd": true, "mkfs": true, "shred": true,
	"sudo": true, "su": true, "doas": true, "chown": true, "chmod": true,
	"shutdown": true, "reboot": true, "halt": true, "poweroff": true,
	"kill": true, "killall": true, "pkill": true, "mount": true,
	"umount": true, "iptables": true, "nc": true, "ncat": true,
	"bash": true, "sh": true, "zsh": true, "fish": true, "ssh": true,
	"eval": true, "exec": true, "source": true,
}

// bannedPatterns reject shell constructs that would escape the
// single-command model: redirection, substitution, subshells, newlines.
var bannedPatterns = []struct {
	pattern *regexp.Regexp
	reason  string
}{
	{regexp.MustCompile("[<>]"), "redirection is not allowed"},
	{regexp.MustCompile("`"), "backticks are not allowed"},
	{regexp.MustCompile(`\$\(`), "command substitution is not allowed"},
	{regexp.MustCompile(`\$\{`), "variable expansion is not allowed"},
	{regexp.MustCompile(`[()]`), "subshells are not allowed"},
	{regexp.MustCompile(`[\r\n]`), "newlines are not allowed"},
	{regexp.MustCompile(`\|&`), "pipe-and-err is not allowed"},
}

// chainSeparators splits "a && b || c ; d" into its segments. Single "|"
// pipes are allowed inside a segment; each piped stage is checked.
var chainSeparators = regexp.MustCompile(`&&|\|\||;`)

// Policy validates commands before the executor spawns them.
type Policy struct {
	allowedBins map[string]bool
	workDir     string
}

// NewPolicy creates a policy confined to workDir (the workspace subtree).
func NewPolicy(workDir string) *Policy {
	return &Policy{
		allowedBins: defaultAllowedBins,
		workDir:     workDir,
	}
}

// AllowBins extends the whitelist (from configuration). Blocked binaries
// stay blocked.
func (p *Policy) AllowBins(bins []string) {
	merged := make(map[string]bool, len(p.allowedBins)+len(bins))
	for b := range p.allowedBins {
		merged[b] = true
	}
	for _, b := range bins {
		merged[strings.TrimSpace(b)] = true
	}
	p.allowedBins = merged
}

// CheckCommand validates a full command line. Chains joined by &&, ||, or
// ; are accepted only when every segment passes on its own.
func (p *Policy) CheckCommand(command string) error {
	command = strings.TrimSpace(command)
	if command == "" {
		return fmt.Errorf("empty command")
	}

	for _, banned := range bannedPatterns {
		if banned.pattern.MatchString(command) {
			return fmt.Errorf("%s", banned.reason)
		}
	}

	for _, segment := range chainSeparators.Split(command, -1) {
		for _, stage := range strings.Split(segment, "|") {
			if err := p.checkStage(stage); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkStage validates one pipeline stage: first token must be a
// whitelisted, non-blocked binary.
func (p *Policy) checkStage(stage string) error {
	fields := strings.Fields(stage)
	if len(fields) == 0 {
		return fmt.Errorf("empty command segment")
	}
	bin := filepath.Base(fields[0])
	if blockedBins[bin] {
		return fmt.Errorf("binary %q is blocked", bin)
	}
	if !p.allowedBins[bin] {
		return fmt.Errorf("binary %q is not in the allowed list", bin)
	}
	return nil
}

// ResolveWorkDir confines the requested working directory to the
// workspace subtree or /tmp. Empty input defaults to the workspace root.
func (p *Policy) ResolveWorkDir(requested string) (string, error) {
	if requested == "" {
		return p.workDir, nil
	}
	abs := requested
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.workDir, requested)
	}
	abs = filepath.Clean(abs)

	if abs == p.workDir || strings.HasPrefix(abs, p.workDir+string(filepath.Separator)) {
		return abs, nil
	}
	if abs == "/tmp" || strings.HasPrefix(abs, "/tmp"+string(filepath.Separator)) {
		return abs, nil
	}
	return "", fmt.Errorf("working directory %q is outside the workspace", requested)
}

// FilterEnv strips the environment down to the safe subset.
func FilterEnv() []string {
	var env []string
	for _, name := range safeEnvVars {
		if v, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+v)
		}
	}
	return env
}
