package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/williamcory/chatstream/backend"
	"github.com/williamcory/chatstream/config"
	"github.com/williamcory/chatstream/conversation"
	"github.com/williamcory/chatstream/dispatch"
	"github.com/williamcory/chatstream/logging"
	"github.com/williamcory/chatstream/stream"
	"github.com/williamcory/chatstream/tui"
)

func newPipeline(s *settings, store *conversation.Store, log *logging.Logger) *dispatch.Pipeline {
	token := s.token
	client := stream.NewClient(s.baseURL,
		stream.WithTokenSource(func() string { return token }),
		stream.WithLogger(log),
	)
	return dispatch.NewPipeline(client, store, dispatch.WithLogger(log))
}

func chatCommand() *cli.Command {
	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive chat",
		Action: func(c *cli.Context) error {
			s, err := resolveSettings(c)
			if err != nil {
				return err
			}
			// logs would corrupt the screen, so only a log file is honored
			log, closeLog, err := newLogger(c, nil)
			if err != nil {
				return err
			}
			defer closeLog()

			if s.sessionID == "" {
				s.sessionID = uuid.NewString()
			}
			log.Info("starting chat", "session", s.sessionID, "base_url", s.baseURL, "resumed", s.resumed)

			ctx, stop := signalContext(c)
			defer stop()

			store := conversation.New()
			runErr := tui.Run(ctx, newPipeline(s, store, log), store, s.sessionID, s.agent)

			if n := len(store.Snapshot().Messages); n > 0 {
				if err := config.SaveLastSession(s.configPath, s.sessionID, n); err != nil {
					log.Warn("could not save session", "error", err)
				}
			}
			return runErr
		},
	}
}

var (
	askStatusStyle = lipgloss.NewStyle().Faint(true).Italic(true)
	askErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

func askCommand() *cli.Command {
	return &cli.Command{
		Name:      "ask",
		Usage:     "Ask one question and stream the answer to stdout",
		ArgsUsage: "QUERY",
		Action: func(c *cli.Context) error {
			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				return cli.Exit("ask: QUERY is required", 2)
			}
			s, err := resolveSettings(c)
			if err != nil {
				return err
			}
			log, closeLog, err := newLogger(c, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()
			if s.sessionID == "" {
				s.sessionID = uuid.NewString()
			}

			ctx, stop := signalContext(c)
			defer stop()

			store := conversation.New()
			p := newPipeline(s, store, log)
			var opts []dispatch.SendOption
			if s.agent != "" {
				opts = append(opts, dispatch.WithAgent(s.agent))
			}

			sendErr := ask(ctx, p, store, s.sessionID, query, opts, os.Stdout, os.Stderr)

			if err := config.SaveLastSession(s.configPath, s.sessionID, len(store.Snapshot().Messages)); err != nil {
				log.Warn("could not save session", "error", err)
			}
			if sendErr != nil {
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

// ask streams one answer: text to out as it grows, status changes and the
// final error to errOut.
func ask(ctx context.Context, p *dispatch.Pipeline, store *conversation.Store, sessionID, query string, opts []dispatch.SendOption, out, errOut io.Writer) error {
	updates, unsubscribe := store.Subscribe()
	defer unsubscribe()

	done := make(chan error, 1)
	go func() { done <- p.Send(ctx, sessionID, query, opts...) }()

	var printed, status string
	show := func() {
		snap := store.Snapshot()
		if snap.ProcessingStatus != "" && snap.ProcessingStatus != status {
			fmt.Fprintln(errOut, askStatusStyle.Render(snap.ProcessingStatus+"…"))
		}
		status = snap.ProcessingStatus

		if snap.LastError != "" {
			return
		}
		text, ok := lastAssistantText(snap.Messages)
		if !ok || !strings.HasPrefix(text, printed) {
			return
		}
		fmt.Fprint(out, text[len(printed):])
		printed = text
	}

	for {
		select {
		case <-updates:
			show()
		case err := <-done:
			show()
			if printed != "" {
				fmt.Fprintln(out)
			}
			if err != nil {
				var se *stream.Error
				msg := err.Error()
				if errors.As(err, &se) {
					msg = dispatch.UserMessage(se)
				}
				fmt.Fprintln(errOut, askErrorStyle.Render(msg))
			}
			return err
		}
	}
}

func lastAssistantText(msgs []conversation.Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == conversation.SenderAssistant {
			return msgs[i].Text, true
		}
	}
	return "", false
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the reference streaming backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Value:   ":8000",
				Usage:   "listen address",
				EnvVars: []string{"CHATSTREAM_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "session-delay",
				Value: 600 * time.Millisecond,
				Usage: "time before a new session accepts messages",
			},
			&cli.BoolFlag{
				Name:  "anthropic",
				Usage: "answer with the Anthropic API (needs ANTHROPIC_API_KEY)",
			},
			&cli.StringFlag{
				Name:  "model",
				Value: string(backend.DefaultAnthropicModel),
				Usage: "Anthropic model used with --anthropic",
			},
		},
		Action: func(c *cli.Context) error {
			log, closeLog, err := newLogger(c, os.Stderr)
			if err != nil {
				return err
			}
			defer closeLog()

			opts := []backend.Option{
				backend.WithSessionDelay(c.Duration("session-delay")),
				backend.WithToken(c.String("token")),
				backend.WithLogger(log),
			}
			if c.Bool("anthropic") {
				apiKey := os.Getenv("ANTHROPIC_API_KEY")
				if apiKey == "" {
					return fmt.Errorf("ANTHROPIC_API_KEY environment variable is required")
				}
				opts = append(opts, backend.WithResponder(
					backend.NewAnthropicResponder(apiKey, anthropic.Model(c.String("model"))),
				))
			}

			ctx, stop := signalContext(c)
			defer stop()

			fmt.Fprintf(os.Stderr, "Backend listening on %s\n", c.String("addr"))
			return backend.NewServer(opts...).ListenAndServe(ctx, c.String("addr"))
		},
	}
}
