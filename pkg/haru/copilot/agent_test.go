package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// scriptedServer returns each response body in order, then repeats the
// last one.
func scriptedServer(t *testing.T, bodies ...string) *httptest.Server {
	t.Helper()
	var n atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		i := int(n.Add(1)) - 1
		if i >= len(bodies) {
			i = len(bodies) - 1
		}
		fmt.Fprint(w, bodies[i])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func toolUseResponse(id, name, input string) string {
	return fmt.Sprintf(`{"model":"m","stop_reason":"tool_use","content":[
		{"type":"tool_use","id":%q,"name":%q,"input":%s}
	],"usage":{"input_tokens":1,"output_tokens":1}}`, id, name, input)
}

func textResponse(text string) string {
	return fmt.Sprintf(`{"model":"m","stop_reason":"end_turn","content":[{"type":"text","text":%q}],"usage":{"input_tokens":1,"output_tokens":1}}`, text)
}

func newTestOrchestrator(t *testing.T, url string) (*Orchestrator, *Registry) {
	c, _ := testClient(t, url)
	reg := newTestRegistry()
	return NewOrchestrator(c, reg, slog.Default()), reg
}

// The model asks for one read_file, then answers. The final text comes
// back, exactly one tool record exists, and the working history ends with
// a matched tool_use/tool_result pair before the final assistant message.
func TestChatSingleToolRound(t *testing.T) {
	srv := scriptedServer(t,
		toolUseResponse("tu_1", "read_file", `{"path":"MEMORY.md"}`),
		textResponse("your memory file mentions the dentist"),
	)
	o, reg := newTestOrchestrator(t, srv.URL)
	reg.Register(&Tool{
		Def: ToolDefinition{Name: "read_file"},
		Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
			return "## dentist\ntuesday 10am", nil
		},
	})

	res, err := o.Chat(context.Background(),
		[]chatMessage{textMessage("user", "what's in my memory file?")},
		"system", "medium", ThinkingOff)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "your memory file mentions the dentist" {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0].Name != "read_file" {
		t.Fatalf("toolsUsed = %+v", res.ToolsUsed)
	}

	// history: user, assistant(tool_use), user(tool_result), assistant(text)
	if len(res.History) != 4 {
		t.Fatalf("history length = %d: %+v", len(res.History), res.History)
	}
	asst := res.History[1].blocks()
	toolRes := res.History[2].blocks()
	if len(asst) != 1 || asst[0].Type != "tool_use" || asst[0].ID != "tu_1" {
		t.Errorf("assistant blocks = %+v", asst)
	}
	if len(toolRes) != 1 || toolRes[0].Type != "tool_result" || toolRes[0].ToolUseID != "tu_1" {
		t.Errorf("tool_result blocks = %+v", toolRes)
	}
	if !strings.Contains(toolRes[0].Content, "dentist") {
		t.Errorf("tool result content = %q", toolRes[0].Content)
	}
}

// Every tool_use block gets a tool_result with matching id in emission
// order, even with multiple calls per round.
func TestChatToolResultOrderMatchesToolUse(t *testing.T) {
	srv := scriptedServer(t,
		`{"model":"m","stop_reason":"tool_use","content":[
			{"type":"text","text":"checking both"},
			{"type":"tool_use","id":"tu_a","name":"echo","input":{"v":"a"}},
			{"type":"tool_use","id":"tu_b","name":"echo","input":{"v":"b"}}
		],"usage":{"input_tokens":1,"output_tokens":1}}`,
		textResponse("done"),
	)
	o, reg := newTestOrchestrator(t, srv.URL)
	reg.Register(echoTool("echo"))

	res, err := o.Chat(context.Background(), []chatMessage{textMessage("user", "go")}, "", "medium", ThinkingOff)
	if err != nil {
		t.Fatal(err)
	}

	asst := res.History[1].blocks()
	toolRes := res.History[2].blocks()
	var useIDs, resultIDs []string
	for _, b := range asst {
		if b.Type == "tool_use" {
			useIDs = append(useIDs, b.ID)
		}
	}
	for _, b := range toolRes {
		resultIDs = append(resultIDs, b.ToolUseID)
	}
	if len(useIDs) != 2 || len(resultIDs) != 2 {
		t.Fatalf("ids = %v / %v", useIDs, resultIDs)
	}
	for i := range useIDs {
		if useIDs[i] != resultIDs[i] {
			t.Errorf("id order mismatch at %d: %s vs %s", i, useIDs[i], resultIDs[i])
		}
	}
}

// A model that never stops asking for tools hits the cap and returns the
// fixed terminal message.
func TestChatToolLoopCap(t *testing.T) {
	srv := scriptedServer(t, toolUseResponse("tu_x", "echo", `{}`))
	o, reg := newTestOrchestrator(t, srv.URL)
	reg.Register(echoTool("echo"))

	res, err := o.Chat(context.Background(), []chatMessage{textMessage("user", "loop")}, "", "medium", ThinkingOff)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != tooManyToolCalls {
		t.Errorf("text = %q", res.Text)
	}
	if len(res.ToolsUsed) != maxToolIterations {
		t.Errorf("toolsUsed = %d, want %d", len(res.ToolsUsed), maxToolIterations)
	}
}

func TestChatNoTools(t *testing.T) {
	srv := scriptedServer(t, textResponse("plain answer"))
	o, _ := newTestOrchestrator(t, srv.URL)

	res, err := o.Chat(context.Background(), []chatMessage{textMessage("user", "hi")}, "", "medium", ThinkingOff)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "plain answer" || len(res.ToolsUsed) != 0 {
		t.Errorf("res = %+v", res)
	}
	if len(res.History) != 2 {
		t.Errorf("history = %d messages", len(res.History))
	}
}
