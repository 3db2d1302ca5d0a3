package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/portal-chat/chat"
)

var rootCmd = &cobra.Command{
	Use:   "dm-client",
	Short: "Terminal client for one-to-one direct messages",
	RunE:  runClient,
}

var (
	cfg       chat.Config
	flagSelf  string
	flagPeer  string
	flagDebug bool
)

func init() {
	var err error
	cfg, err = chat.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfg.Endpoint, "endpoint", cfg.Endpoint, "relay server URL (http, https, ws or wss; from env CHAT_ENDPOINT if set)")
	flags.StringVar(&cfg.APIBase, "api", cfg.APIBase, "history API base URL (defaults to endpoint + /api)")
	flags.StringSliceVar(&cfg.Transports, "transports", cfg.Transports, "framings to try in order (websocket, polling)")
	flags.IntVar(&cfg.ReconnectAttempts, "reconnect-attempts", cfg.ReconnectAttempts, "consecutive failed attempts before giving up")
	flags.StringVar(&flagSelf, "self", os.Getenv("DM_SELF"), "your user id")
	flags.StringVar(&flagPeer, "peer", os.Getenv("DM_PEER"), "user id to talk to")
	flags.BoolVar(&flagDebug, "debug", false, "log every raw event")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute dm-client command")
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	level := zerolog.WarnLevel
	if flagDebug {
		level = zerolog.TraceLevel
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := chat.NewEngine(cfg, chat.WithLogger(log.Logger))
	defer eng.CloseSession()
	if err := eng.OpenSession(ctx, flagSelf, flagPeer); err != nil {
		return fmt.Errorf("open conversation %s<->%s: %w", flagSelf, flagPeer, err)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".dm_client_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()
	go func() {
		<-ctx.Done()
		_ = rl.Close()
	}()

	go follow(ctx, eng, newView(rl.Stdout()))

	fmt.Fprintf(rl.Stdout(), "chatting as %s, /help for commands\n", flagSelf)
	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if quit := handleLine(ctx, eng, rl.Stdout(), strings.TrimSpace(line)); quit {
			return nil
		}
	}
}

// follow renders snapshots of whichever session is active, resubscribing
// when the engine replaces it.
func follow(ctx context.Context, eng *chat.Engine, v *view) {
	for ctx.Err() == nil {
		ch, cancel := eng.Subscribe()
		for snap := range ch {
			v.render(snap)
		}
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// handleLine runs one prompt line and reports whether the client should exit.
func handleLine(ctx context.Context, eng *chat.Engine, out io.Writer, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := eng.SendMessage(line); err != nil {
			fmt.Fprintf(out, "! not sent: %v\n", err)
		}
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/peer":
		if arg == "" {
			fmt.Fprintln(out, "usage: /peer <id>")
			return false
		}
		if err := eng.OpenSession(ctx, flagSelf, arg); err != nil {
			fmt.Fprintf(out, "! switch peer: %v\n", err)
		}
	case "/diag":
		diags, count := eng.Diagnostics()
		fmt.Fprintln(out, formatDiagnostics(diags, count))
	case "/clear":
		eng.ClearDiagnostics()
		fmt.Fprintln(out, "warnings cleared")
	case "/state":
		fmt.Fprintf(out, "* %s\n", eng.ConnectionState())
	case "/help":
		fmt.Fprintln(out, "/peer <id>  talk to someone else\n/diag       show recent warnings\n/clear      clear warnings\n/state      connection state\n/quit       exit")
	default:
		fmt.Fprintf(out, "unknown command %s, try /help\n", cmd)
	}
	return false
}
