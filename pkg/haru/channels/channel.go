// Package channels defines the transport abstraction between the assistant
// core and the chat platforms it speaks through. An adapter implements
// Channel; the manager fans incoming messages into the assistant and routes
// outgoing replies and proactive deliveries back out.
package channels

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MessageType identifies the kind of incoming content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
)

// Channel is the contract every chat adapter implements.
type Channel interface {
	// Name returns the adapter identifier, e.g. "discord".
	Name() string

	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Disconnect closes it.
	Disconnect() error

	// Send delivers a message to a chat on this platform.
	Send(ctx context.Context, chatID string, msg *Outgoing) error

	// Receive emits incoming messages until Disconnect.
	Receive() <-chan *Incoming

	// IsConnected reports the connection state.
	IsConnected() bool
}

// TypingChannel is implemented by adapters that support typing indicators.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, chatID string) error
}

// Incoming is a message received from any adapter.
type Incoming struct {
	ID        string
	Channel   string
	From      string
	FromName  string
	ChatID    string
	IsGroup   bool
	Type      MessageType
	Content   string
	Timestamp time.Time

	// ReplyTo and Quoted carry reply context when the user replied to an
	// earlier message.
	ReplyTo string
	Quoted  string

	// Attachment describes attached media, when present.
	Attachment *Attachment
}

// Outgoing is a message to deliver through an adapter.
type Outgoing struct {
	Content string
	ReplyTo string

	// Files are raw attachments to send alongside the text.
	Files []File
}

// File is an outbound attachment.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Attachment describes media on an incoming message.
type Attachment struct {
	Type     MessageType
	MimeType string
	Filename string
	Size     int64
	URL      string
}

// Target identifies a delivery destination across adapters as
// "channel:chatID". Reminders and heartbeat results persist targets in this
// form so they survive restarts.
type Target struct {
	Channel string
	ChatID  string
}

func (t Target) String() string { return t.Channel + ":" + t.ChatID }

// ParseTarget splits "channel:chatID" back into its parts.
func ParseTarget(s string) (Target, error) {
	channel, chatID, ok := strings.Cut(s, ":")
	if !ok || channel == "" || chatID == "" {
		return Target{}, fmt.Errorf("invalid delivery target %q, want channel:chatID", s)
	}
	return Target{Channel: channel, ChatID: chatID}, nil
}

var ErrDisconnected = fmt.Errorf("channel is not connected")
