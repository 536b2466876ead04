// agent_tools.go registers the background-agent dispatcher and the
// daily-briefing dispatcher.
package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RegisterAgentTools registers the agent tool.
func RegisterAgentTools(reg *Registry, agents *AgentManager) {
	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "agent",
			Description: "Run tasks in the background. Actions: spawn (start a task and get an id), " +
				"status, cancel, list. Results are posted to the chat when the task finishes.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{"type": "string", "enum": []string{"spawn", "status", "cancel", "list"}},
					"task":   map[string]any{"type": "string", "description": "Task description (for spawn)"},
					"id":     map[string]any{"type": "string", "description": "Agent id (for status and cancel)"},
				},
				"required": []string{"action"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Action string `json:"action"`
				Task   string `json:"task"`
				ID     string `json:"id"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}

			switch args.Action {
			case "spawn":
				if strings.TrimSpace(args.Task) == "" {
					return "", fmt.Errorf("spawn needs a task")
				}
				chatID, ok := CurrentConversation(ctx)
				if !ok {
					return "", fmt.Errorf("no conversation bound to this turn")
				}
				id := agents.Spawn(ctx, args.Task, chatID)
				return fmt.Sprintf("Agent %s started. I'll post the result here when it finishes.", id), nil

			case "status":
				agent, ok := agents.Get(args.ID)
				if !ok {
					return "", fmt.Errorf("no agent %q", args.ID)
				}
				return formatAgent(agent), nil

			case "cancel":
				if err := agents.Cancel(args.ID); err != nil {
					return "", err
				}
				return fmt.Sprintf("Agent %s cancelled.", args.ID), nil

			case "list":
				all := agents.List()
				if len(all) == 0 {
					return "No background agents.", nil
				}
				var b strings.Builder
				for _, a := range all {
					b.WriteString(formatAgent(a))
					b.WriteString("\n")
				}
				return b.String(), nil

			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	})
}

func formatAgent(a Agent) string {
	line := fmt.Sprintf("%s  %s  %s", a.ID, a.Status, truncateForLog(a.Task, 60))
	if a.Status == AgentFailed && a.Error != "" {
		line += "  (" + a.Error + ")"
	}
	return line
}

// RegisterBriefingTool registers the briefing dispatcher.
func RegisterBriefingTool(reg *Registry, briefings *Briefings) {
	reg.Register(&Tool{
		Def: ToolDefinition{
			Name: "briefing",
			Description: "Manage the daily briefing for this chat. Actions: set (time as HH:MM, " +
				"optional city for weather), disable, list.",
			InputSchema: mustSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action":   map[string]any{"type": "string", "enum": []string{"set", "disable", "list"}},
					"time":     map[string]any{"type": "string", "description": "Local time HH:MM (for set)"},
					"city":     map[string]any{"type": "string", "description": "City for the weather section (for set)"},
					"timezone": map[string]any{"type": "string", "description": "IANA timezone, defaults to the server's (for set)"},
				},
				"required": []string{"action"},
			}),
		},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			var args struct {
				Action   string `json:"action"`
				Time     string `json:"time"`
				City     string `json:"city"`
				Timezone string `json:"timezone"`
			}
			if err := decodeArgs(input, &args); err != nil {
				return "", err
			}

			switch args.Action {
			case "set":
				chatID, ok := CurrentConversation(ctx)
				if !ok {
					return "", fmt.Errorf("no conversation bound to this turn")
				}
				cfg := BriefingConfig{
					ChatID:   chatID,
					Enabled:  true,
					Time:     args.Time,
					City:     args.City,
					Timezone: args.Timezone,
				}
				if err := briefings.Set(cfg); err != nil {
					return "", err
				}
				return fmt.Sprintf("Daily briefing set for %s.", args.Time), nil

			case "disable":
				chatID, ok := CurrentConversation(ctx)
				if !ok {
					return "", fmt.Errorf("no conversation bound to this turn")
				}
				if err := briefings.Remove(chatID); err != nil {
					return "", err
				}
				return "Daily briefing disabled.", nil

			case "list":
				configs := briefings.List()
				if len(configs) == 0 {
					return "No briefings configured.", nil
				}
				var b strings.Builder
				for _, c := range configs {
					state := "on"
					if !c.Enabled {
						state = "off"
					}
					fmt.Fprintf(&b, "%s  %s  %s  %s\n", c.ChatID, c.Time, state, c.City)
				}
				return b.String(), nil

			default:
				return "", fmt.Errorf("unknown action %q", args.Action)
			}
		},
	})
}
