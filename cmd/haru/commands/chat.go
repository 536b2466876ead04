package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/haru/pkg/haru/copilot"
)

// cliChatID is the conversation id for terminal sessions. It has no
// channel prefix, so delivery-needing features know there is no
// transport behind it.
const cliChatID = "local"

// newChatCmd creates `haru chat`: single-shot or interactive REPL.
func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the assistant from the terminal",
		Long: `Send one message, or start an interactive session when no message
is given. Slash commands (/model, /think, /pin, /compact, /clear) work
like in chat.

Examples:
  haru chat "what's on my plate today?"
  haru chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd, "")
	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}

	assistant, err := copilot.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assistant.StartLocal(ctx)
	defer assistant.Stop()

	if len(args) > 0 {
		text, err := assistant.RunTurn(ctx, cliChatID, args[0])
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	}

	rl, err := readline.New("you> ")
	if err != nil {
		return fmt.Errorf("starting readline: %w", err)
	}
	defer rl.Close()

	fmt.Println("haru interactive chat. Ctrl-D or /quit to leave.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			fmt.Println(assistant.Command(cliChatID, line))
			continue
		}

		text, err := assistant.RunTurn(ctx, cliChatID, line)
		if err != nil {
			fmt.Println(copilot.UserFacingError(err))
			continue
		}
		fmt.Println("haru>", text)
	}
}
