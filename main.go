package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/williamcory/chatstream/config"
	"github.com/williamcory/chatstream/logging"
)

func main() {
	app := &cli.App{
		Name:  "chatstream",
		Usage: "Streaming chat client for the assistant backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "backend base URL",
				EnvVars: []string{"CHATSTREAM_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token sent with every request",
				EnvVars: []string{"CHATSTREAM_TOKEN"},
			},
			&cli.StringFlag{
				Name:    "session",
				Usage:   "conversation session id (default: resume the last one or start new)",
				EnvVars: []string{"CHATSTREAM_SESSION"},
			},
			&cli.StringFlag{
				Name:    "agent",
				Usage:   "route every query to this agent",
				EnvVars: []string{"CHATSTREAM_AGENT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn, error or off",
				Value:   "off",
				EnvVars: []string{"LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "write logs to this file instead of stderr",
				EnvVars: []string{"CHATSTREAM_LOG_FILE"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "preferences file (default: ~/.config/chatstream/config.json)",
				EnvVars: []string{"CHATSTREAM_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			chatCommand(),
			askCommand(),
			serveCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// newLogger builds the logger from the global flags. The returned closer
// releases the log file, if any.
func newLogger(c *cli.Context, fallback io.Writer) (*logging.Logger, func(), error) {
	level := logging.ParseLevel(c.String("log-level"))
	if level == logging.LevelOff {
		return logging.Nop(), func() {}, nil
	}
	if path := c.String("log-file"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		return logging.New(level, f), func() { f.Close() }, nil
	}
	if fallback == nil {
		return logging.Nop(), func() {}, nil
	}
	return logging.New(level, fallback), func() {}, nil
}

// settings are the resolved connection settings of a client command.
type settings struct {
	configPath string
	prefs      *config.Preferences
	baseURL    string
	token      string
	sessionID  string
	agent      string
	resumed    bool
}

// resolveSettings merges flags over saved preferences.
func resolveSettings(c *cli.Context) (*settings, error) {
	path := c.String("config")
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}
	prefs, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	s := &settings{
		configPath: path,
		prefs:      prefs,
		baseURL:    prefs.BaseURL,
		token:      c.String("token"),
		sessionID:  c.String("session"),
		agent:      prefs.DefaultAgent,
	}
	if v := c.String("base-url"); v != "" {
		s.baseURL = v
	}
	if v := c.String("agent"); v != "" {
		s.agent = v
	}
	if s.sessionID == "" {
		if last := prefs.ResumableSession(time.Now()); last != nil {
			s.sessionID, s.resumed = last.SessionID, true
		}
	}
	return s, nil
}
