package discord

import (
	"strings"
	"testing"

	"github.com/jholhewres/haru/pkg/haru/channels"
)

func TestSplitMessageShort(t *testing.T) {
	chunks := splitMessage("hello", maxMessageLen)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	para := strings.Repeat("x", 1500)
	text := para + "\n" + para
	chunks := splitMessage(text, maxMessageLen)

	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	// The cut lands on the newline, not mid-paragraph.
	if !strings.HasSuffix(chunks[0], "\n") {
		t.Errorf("first chunk should end at the newline boundary")
	}
	for i, c := range chunks {
		if len(c) > maxMessageLen {
			t.Errorf("chunk %d length %d over limit", i, len(c))
		}
	}
}

func TestSplitMessageNoNewlines(t *testing.T) {
	text := strings.Repeat("a", maxMessageLen*2+100)
	chunks := splitMessage(text, maxMessageLen)
	var total int
	for _, c := range chunks {
		if len(c) > maxMessageLen {
			t.Errorf("chunk over limit: %d", len(c))
		}
		total += len(c)
	}
	if total != len(text) {
		t.Errorf("reassembled length %d, want %d", total, len(text))
	}
}

func TestAttachmentType(t *testing.T) {
	tests := []struct {
		ct   string
		want channels.MessageType
	}{
		{"image/png", channels.MessageImage},
		{"IMAGE/JPEG", channels.MessageImage},
		{"application/pdf", channels.MessageDocument},
		{"", channels.MessageDocument},
	}
	for _, tt := range tests {
		if got := attachmentType(tt.ct); got != tt.want {
			t.Errorf("attachmentType(%q) = %v, want %v", tt.ct, got, tt.want)
		}
	}
}

func TestConnectRequiresToken(t *testing.T) {
	d := New(Config{}, nil)
	if err := d.Connect(t.Context()); err == nil {
		t.Error("Connect without token should fail")
	}
}
