// exec_tools.go registers the sandboxed shell tools: one-shot command
// execution and the background session dispatcher.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/jholhewres/haru/pkg/haru/sandbox"
)

// RegisterExecTools registers execute_command and the sessions dispatcher.
func RegisterExecTools(reg *Registry, mgr *sandbox.SessionManager) {
	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "execute_command",
			Description: "Run a whitelisted shell command in the workspace sandbox. " +
				"Set background=true for long-running commands; they return a session id immediately.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command":    map[string]any{"type": "string", "description": "The command line to run"},
					"workdir":    map[string]any{"type": "string", "description": "Working directory (workspace-relative or /tmp)"},
					"background": map[string]any{"type": "boolean", "description": "Run detached and return a session id"},
					"timeout_seconds": map[string]any{
						"type":        "integer",
						"description": "Timeout for foreground commands, default 60",
					},
				},
				"required": []string{"command"},
			}),
		},
		Timeout: commandToolTimeout,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Command        string `json:"command"`
				WorkDir        string `json:"workdir"`
				Background     bool   `json:"background"`
				TimeoutSeconds int    `json:"timeout_seconds"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			if args.Background {
				sess, err := mgr.Start(args.Command, args.WorkDir)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("Started background session %s. Use the sessions tool to read its log or kill it.", sess.ID), nil
			}
			timeout := time.Duration(args.TimeoutSeconds) * time.Second
			if timeout <= 0 {
				timeout = commandToolTimeout
			}
			output, exitCode, err := mgr.Run(ctx, args.Command, args.WorkDir, timeout)
			if err != nil {
				return "", err
			}
			if output == "" {
				output = "(no output)"
			}
			if exitCode != 0 {
				return fmt.Sprintf("%s\n[exit code %d]", output, exitCode), nil
			}
			return output, nil
		},
	})

	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "sessions",
			Description: "Manage background command sessions. Actions: list, log (read recent output), kill.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"enum":        []string{"list", "log", "kill"},
						"description": "Action to perform",
					},
					"session_id": map[string]any{"type": "string", "description": "Session id (for log and kill)"},
					"lines":      map[string]any{"type": "integer", "description": "How many tail lines to return (for log, default 50)"},
					"signal": map[string]any{
						"type":        "string",
						"enum":        []string{"KILL", "TERM", "INT", "HUP"},
						"description": "Signal to send (for kill, default KILL)",
					},
				},
				"required": []string{"action"},
			}),
		},
		Compress: compressTail,
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Action    string `json:"action"`
				SessionID string `json:"session_id"`
				Lines     int    `json:"lines"`
				Signal    string `json:"signal"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}
			switch args.Action {
			case "list":
				sessions := mgr.List()
				if len(sessions) == 0 {
					return "No background sessions.", nil
				}
				var b strings.Builder
				for _, s := range sessions {
					state := "running"
					if !s.Running {
						state = fmt.Sprintf("exited (%d)", s.ExitCode)
					}
					fmt.Fprintf(&b, "%s  %s  %s  %s\n", s.ID, state, s.StartedAt.Format("15:04:05"), truncateForLog(s.Command, 60))
				}
				return b.String(), nil

			case "log":
				sess, ok := mgr.Get(args.SessionID)
				if !ok {
					return "", fmt.Errorf("no session %q", args.SessionID)
				}
				n := args.Lines
				if n <= 0 {
					n = 50
				}
				lines := sess.Tail(n)
				if len(lines) == 0 {
					return "(no output yet)", nil
				}
				return strings.Join(lines, "\n"), nil

			case "kill":
				sig, err := parseSignal(args.Signal)
				if err != nil {
					return "", err
				}
				if err := mgr.Kill(args.SessionID, sig); err != nil {
					return "", err
				}
				return fmt.Sprintf("Sent %s to session %s.", signalName(sig), args.SessionID), nil

			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	})
}

// parseSignal maps a signal name (with or without a SIG prefix) to the
// syscall value. Empty means the default SIGKILL.
func parseSignal(name string) (syscall.Signal, error) {
	switch strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG") {
	case "", "KILL":
		return syscall.SIGKILL, nil
	case "TERM":
		return syscall.SIGTERM, nil
	case "INT":
		return syscall.SIGINT, nil
	case "HUP":
		return syscall.SIGHUP, nil
	default:
		return 0, fmt.Errorf("unsupported signal %q", name)
	}
}

func signalName(sig syscall.Signal) string {
	switch sig {
	case syscall.SIGTERM:
		return "SIGTERM"
	case syscall.SIGINT:
		return "SIGINT"
	case syscall.SIGHUP:
		return "SIGHUP"
	default:
		return "SIGKILL"
	}
}
