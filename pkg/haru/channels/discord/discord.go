// Package discord implements the Discord adapter using discordgo: text
// in and out with chunking at the 2000-character limit, image and
// document attachments, typing indicators, and allowlists for guilds and
// channels.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/jholhewres/haru/pkg/haru/channels"
)

const maxMessageLen = 2000

// Config holds the Discord adapter configuration.
type Config struct {
	// Token is the bot token. Resolved from the keyring at startup.
	Token string `yaml:"-"`

	// AllowedGuilds restricts which guilds the bot listens in. Empty
	// means all.
	AllowedGuilds []string `yaml:"allowed_guilds"`

	// AllowedChannels restricts which channels the bot listens in.
	AllowedChannels []string `yaml:"allowed_channels"`

	// OwnerID restricts the bot to a single user when set. A personal
	// assistant usually serves exactly one person.
	OwnerID string `yaml:"owner_id"`

	// SendTyping shows the typing indicator while a reply is produced.
	SendTyping bool `yaml:"send_typing"`
}

// Discord implements channels.Channel and channels.TypingChannel.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	messages  chan *channels.Incoming
	connected atomic.Bool
}

func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		messages: make(chan *channels.Incoming, 256),
	}
}

func (d *Discord) Name() string { return "discord" }

// Connect opens the gateway WebSocket. discordgo reconnects on its own
// after transient drops.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	session.AddHandler(d.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.session = session
	d.connected.Store(true)

	user := session.State.User
	d.logger.Info("connected", "bot", user.Username, "id", user.ID)
	return nil
}

func (d *Discord) Disconnect() error {
	if d.session != nil {
		d.session.Close()
	}
	d.connected.Store(false)
	close(d.messages)
	d.logger.Info("disconnected")
	return nil
}

func (d *Discord) IsConnected() bool { return d.connected.Load() }

func (d *Discord) Receive() <-chan *channels.Incoming { return d.messages }

// Send delivers text (chunked at the platform limit) plus any attached
// files to a channel or DM.
func (d *Discord) Send(ctx context.Context, chatID string, msg *channels.Outgoing) error {
	if d.session == nil || !d.connected.Load() {
		return channels.ErrDisconnected
	}

	chunks := splitMessage(msg.Content, maxMessageLen)
	for i, chunk := range chunks {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && msg.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo}
		}
		// Files ride on the last chunk so they appear after the text.
		if i == len(chunks)-1 {
			for _, f := range msg.Files {
				send.Files = append(send.Files, &discordgo.File{
					Name:        f.Name,
					ContentType: f.MimeType,
					Reader:      bytes.NewReader(f.Data),
				})
			}
		}
		if _, err := d.session.ChannelMessageSendComplex(chatID, send); err != nil {
			return fmt.Errorf("discord: sending to %s: %w", chatID, err)
		}
	}
	return nil
}

func (d *Discord) SendTyping(ctx context.Context, chatID string) error {
	if d.session == nil || !d.cfg.SendTyping {
		return nil
	}
	return d.session.ChannelTyping(chatID)
}

func (d *Discord) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if d.cfg.OwnerID != "" && m.Author.ID != d.cfg.OwnerID {
		return
	}
	if len(d.cfg.AllowedGuilds) > 0 && m.GuildID != "" && !contains(d.cfg.AllowedGuilds, m.GuildID) {
		return
	}
	if len(d.cfg.AllowedChannels) > 0 && !contains(d.cfg.AllowedChannels, m.ChannelID) {
		return
	}

	incoming := &channels.Incoming{
		ID:        m.ID,
		Channel:   "discord",
		From:      m.Author.ID,
		FromName:  m.Author.Username,
		ChatID:    m.ChannelID,
		IsGroup:   m.GuildID != "",
		Type:      channels.MessageText,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	if m.ReferencedMessage != nil {
		incoming.ReplyTo = m.ReferencedMessage.ID
		incoming.Quoted = m.ReferencedMessage.Content
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		incoming.Attachment = &channels.Attachment{
			Type:     attachmentType(att.ContentType),
			MimeType: att.ContentType,
			Filename: att.Filename,
			Size:     int64(att.Size),
			URL:      att.URL,
		}
		incoming.Type = incoming.Attachment.Type
	}

	select {
	case d.messages <- incoming:
	default:
		d.logger.Warn("message buffer full, dropping", "msg_id", incoming.ID)
	}
}

func attachmentType(contentType string) channels.MessageType {
	if strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return channels.MessageImage
	}
	return channels.MessageDocument
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// splitMessage chunks text at the platform limit, preferring newline
// boundaries in the back half of each chunk.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

var (
	_ channels.Channel       = (*Discord)(nil)
	_ channels.TypingChannel = (*Discord)(nil)
)
