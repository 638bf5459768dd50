package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/ragchat/ragchat/config"
	"github.com/ZanzyTHEbar/ragchat/ragchat/conversation"
	"github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness"
	ports "github.com/ZanzyTHEbar/ragchat/ragchat/generation/harness/ports"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

const (
	cmdExit  = "/exit"
	cmdReset = "/reset"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: "Start an interactive chat session. Type /reset to clear the conversation and /exit to quit.\n" +
			"Credentials and index settings come from the session section of the config file and are re-read when it changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, cfg, logger, err := setup(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			defer a.logMetrics()

			loader.Watch(func(next *config.Config, err error, e fsnotify.Event) {
				if err != nil {
					logger.Warn().Err(err).Str("file", e.Name).Msg("config reload rejected")
					return
				}
				uctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
				defer cancel()
				if err := a.sessions.UpdateParams(uctx, next.Session.Params()); err != nil {
					logger.Warn().Err(err).Msg("session parameters not updated")
					return
				}
				logger.Info().Str("file", e.Name).Msg("session parameters reloaded")
			})

			return runChat(ctx, a, sessionID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to resume (default: new session)")
	return cmd
}

// consoleSink prints streamed fragments as they arrive.
type consoleSink struct {
	out io.Writer
}

func (s consoleSink) Fragment(text string) { fmt.Fprint(s.out, text) }
func (s consoleSink) Turn(ports.Turn)      {}

func runChat(ctx context.Context, a *app, sessionID string, in io.Reader, out io.Writer) error {
	session, err := a.sessions.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	printTranscript(out, session)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case cmdExit:
			return nil
		case cmdReset:
			if err := a.sessions.Reset(ctx, session.ID()); err != nil {
				return err
			}
			if session, err = a.sessions.Open(ctx, session.ID()); err != nil {
				return err
			}
			printTranscript(out, session)
			continue
		}

		_, err := a.router.ProcessTurn(ctx, session, line, consoleSink{out: out})
		fmt.Fprintln(out)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		d := a.recovery.Recover(ctx, a.sessions, session.ID(), err)
		fmt.Fprintln(out, d.Message)
		if d.Action == harness.ActionReset {
			if session, err = a.sessions.Open(ctx, session.ID()); err != nil {
				return err
			}
			printTranscript(out, session)
		}
	}
}

func printTranscript(out io.Writer, s *conversation.Session) {
	for _, t := range s.Conversation().Turns() {
		switch {
		case t.Role == ports.RoleHuman:
			fmt.Fprintf(out, "> %s\n", t.Content)
		case t.Role == ports.RoleAssistant && t.PendingCall == nil:
			fmt.Fprintln(out, t.Content)
		}
	}
}
