// Command chatclient opens one chat session in the terminal and keeps it in
// sync by polling the server.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pollchat/internal/client"
	"pollchat/internal/logger"
)

type options struct {
	server          string
	username        string
	password        string
	sessionID       int64
	productID       int64
	timeout         time.Duration
	messageInterval time.Duration
	typingInterval  time.Duration
	legacyWatermark bool
	verbose         bool
}

var opts options

var rootCmd = &cobra.Command{
	Use:   "chatclient",
	Short: "Terminal client for a pollchat session",
	Long: `chatclient logs in, resolves a chat session (own, explicit, or the one
linked to a product) and polls it. Each line typed on stdin is sent as a message.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	f := rootCmd.Flags()
	f.StringVarP(&opts.server, "server", "s", "http://127.0.0.1:8090", "chat server base url")
	f.StringVarP(&opts.username, "username", "u", "", "account username")
	f.StringVarP(&opts.password, "password", "p", "", "account password (default $POLLCHAT_PASSWORD)")
	f.Int64Var(&opts.sessionID, "session", 0, "session id to open")
	f.Int64Var(&opts.productID, "product", 0, "open the session linked to this product")
	f.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "per-request timeout")
	f.DurationVar(&opts.messageInterval, "message-interval", client.DefaultMessageInterval, "message poll interval")
	f.DurationVar(&opts.typingInterval, "typing-interval", client.DefaultTypingInterval, "typing poll interval")
	f.BoolVar(&opts.legacyWatermark, "timestamp-watermark", false, "re-render only when the newest timestamp changes")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkFlagRequired("username")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	log, err := logger.New(level, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	password := opts.password
	if password == "" {
		password = os.Getenv("POLLCHAT_PASSWORD")
	}

	api := client.New(opts.server, client.WithTimeout(opts.timeout))
	login, err := api.Login(ctx, opts.username, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	embed, err := api.Embed(ctx, opts.sessionID, opts.productID)
	if err != nil {
		if client.IsStatus(err, 403) {
			return errors.New("you do not have permission to access this chat session")
		}
		return fmt.Errorf("open session: %w", err)
	}
	log.Debug("session resolved",
		zap.Int64("session_id", embed.SessionID),
		zap.Int64("user_id", login.ID),
	)

	screen := newTerminal(os.Stdout)
	screen.Header(embed)

	agentOpts := []client.AgentOption{
		client.WithIntervals(opts.messageInterval, opts.typingInterval),
		client.WithLogger(log),
	}
	if opts.legacyWatermark {
		agentOpts = append(agentOpts, client.WithTimestampWatermark())
	}
	agent := client.NewAgent(api, screen, embed.SessionID, agentOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readInput(runCtx, cancel, agent)

	if err := agent.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readInput sends each stdin line; EOF closes the client. A failed send is
// already shown by the renderer and the next line replaces the draft.
func readInput(ctx context.Context, cancel context.CancelFunc, agent *client.Agent) {
	defer cancel()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		agent.SetDraft(ctx, scanner.Text())
		_ = agent.Send(ctx)
	}
}
