// Wellspring chat client: an interactive terminal front end for the
// guidance backend. Turns go out through the delivery coordinator, replies
// arrive over SSE with a long-poll fallback, and the transcript survives
// restarts in a local SQLite cache.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/wellspring-health/chatlink/internal/config"
	"github.com/wellspring-health/chatlink/internal/delivery"
	"github.com/wellspring-health/chatlink/internal/domain"
	"github.com/wellspring-health/chatlink/internal/session"
	"github.com/wellspring-health/chatlink/internal/store"
)

const prompt = "you> "

func main() {
	// Diagnostics go to stderr so stdout stays a readable transcript.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.UserID == "" {
		cfg.UserID = "anon_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		slog.Info("No USER_ID configured, minted one for this run", "user_id", cfg.UserID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open local store", "error", err, "path", cfg.DBPath)
		os.Exit(1)
	}
	defer repo.Close()

	if removed, err := repo.CleanupExpiredSessions(ctx, cfg.SessionTimeout); err != nil {
		slog.Warn("Session cleanup failed", "error", err)
	} else if removed > 0 {
		slog.Info("Pruned expired sessions", "count", removed)
	}

	journal, err := delivery.NewJournal(delivery.JournalConfig{
		Enabled:   cfg.Journal.Enabled,
		Dir:       cfg.Journal.Dir,
		QueueSize: cfg.Journal.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to open delivery journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	client := delivery.NewClient(delivery.ClientConfig{
		BaseURL:        cfg.BackendURL,
		RequestTimeout: cfg.Poll.RequestTimeout,
	}, logger)
	registry := session.NewRegistry(repo, client, cfg.SessionTimeout, logger)
	cache := store.NewCache(repo, cfg.Cache.MaxBytes, cfg.Cache.MinRetained, logger)

	coord := delivery.NewCoordinator(delivery.CoordinatorConfig{
		RoomID: cfg.RoomID,
		UserID: cfg.UserID,
		Stream: delivery.StreamConfig{
			ConnectTimeout: cfg.Stream.ConnectTimeout,
			IdleTimeout:    cfg.Stream.IdleTimeout,
		},
		Poll: delivery.PollConfig{
			BaseDelay:    cfg.Poll.BaseDelay,
			MaxDelay:     cfg.Poll.MaxDelay,
			FastDelay:    cfg.Poll.FastDelay,
			MaxAttempts:  cfg.Poll.MaxAttempts,
			JitterFactor: cfg.Poll.JitterFactor,
		},
		Completion: delivery.CompletionConfig{
			MaxEmptyPolls:     cfg.Completion.MaxEmptyPolls,
			InactivityTimeout: cfg.Completion.InactivityTimeout,
			MaxPollAttempts:   cfg.Poll.MaxAttempts,
		},
	}, client, registry, cache, journal, logger)

	restoreCtx, cancelRestore := context.WithTimeout(ctx, 10*time.Second)
	if err := coord.Restore(restoreCtx); err != nil {
		slog.Warn("History restore failed, starting empty", "error", err)
	}
	cancelRestore()

	out := os.Stdout
	fmt.Fprintf(out, "wellspring chat (room %s, backend %s)\n", cfg.RoomID, cfg.BackendURL)
	fmt.Fprintln(out, "type a message and press enter; /reset clears the room, /quit exits")
	if history := coord.Messages(); len(history) > 0 {
		fmt.Fprintf(out, "--- restored transcript (%d messages) ---\n", len(history))
		for _, m := range history {
			printMessage(out, m)
		}
	}

	turnDone := make(chan struct{}, 1)
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		renderUpdates(out, coord.Updates(), turnDone)
	}()

	replDone := make(chan error, 1)
	go func() { replDone <- readLoop(ctx, coord, out, turnDone) }()

	select {
	case err := <-replDone:
		if err != nil {
			slog.Error("Input loop failed", "error", err)
		}
	case <-ctx.Done():
		fmt.Fprintln(out)
	}
	stop()

	slog.Info("Shutting down gracefully...")
	coord.Close()
	<-printerDone
	slog.Info("Chat client stopped")
}

// readLoop owns stdin. A sent line blocks the prompt until the turn
// finishes so replies never interleave with typing.
func readLoop(ctx context.Context, coord *delivery.Coordinator, out io.Writer, turnDone <-chan struct{}) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprint(out, prompt)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(out, prompt)
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			if err := coord.Reset(ctx); err != nil {
				fmt.Fprintf(out, "reset failed: %v\n", err)
			} else {
				fmt.Fprintln(out, "conversation cleared")
			}
			fmt.Fprint(out, prompt)
			continue
		case "/history":
			for _, m := range coord.Messages() {
				printMessage(out, m)
			}
			fmt.Fprint(out, prompt)
			continue
		}

		// Drop any stale completion signal from a cancelled turn before
		// waiting on this one.
		select {
		case <-turnDone:
		default:
		}
		if err := coord.SendAndDeliver(ctx, line); err != nil {
			if !errors.Is(err, delivery.ErrEmptyMessage) {
				slog.Warn("Send failed", "error", err)
			}
			fmt.Fprint(out, prompt)
			continue
		}
		select {
		case <-turnDone:
		case <-ctx.Done():
			return nil
		}
		fmt.Fprint(out, prompt)
	}
	return scanner.Err()
}

// renderUpdates turns coordinator updates into transcript lines. Streaming
// partials collapse into a single typing notice; only final text prints.
func renderUpdates(out io.Writer, updates <-chan delivery.Update, turnDone chan<- struct{}) {
	typing := false
	for u := range updates {
		switch u.Kind {
		case delivery.UpdateMessage:
			if u.Message == nil || u.Message.Sender == domain.SenderUser {
				// The user already sees their own line at the prompt.
				continue
			}
			if !u.Message.Status.Final() {
				if !typing {
					fmt.Fprintln(out, "guide is typing...")
					typing = true
				}
				continue
			}
			typing = false
			printMessage(out, *u.Message)
		case delivery.UpdatePapers:
			printPapers(out, u.Papers)
		case delivery.UpdateConnectionState:
			if u.State == delivery.StateDegraded {
				fmt.Fprintln(out, "(stream unavailable, falling back to polling)")
			}
		case delivery.UpdateTurnDone:
			typing = false
			select {
			case turnDone <- struct{}{}:
			default:
			}
		}
	}
}

func printMessage(out io.Writer, m domain.Message) {
	who := "you"
	if m.Sender == domain.SenderAssistant {
		who = "guide"
	}
	ts := m.Timestamp.Local().Format("15:04")
	if m.Status == domain.StatusError {
		fmt.Fprintf(out, "[%s] %s> (error) %s\n", ts, who, m.Text)
		return
	}
	fmt.Fprintf(out, "[%s] %s> %s\n", ts, who, m.Text)
}

func printPapers(out io.Writer, papers []domain.Paper) {
	if len(papers) == 0 {
		return
	}
	fmt.Fprintln(out, "references:")
	for _, p := range papers {
		line := "  - " + p.Title
		if p.Source != "" {
			line += " (" + p.Source + ")"
		}
		if p.URL != "" {
			line += " " + p.URL
		}
		fmt.Fprintln(out, line)
	}
}
