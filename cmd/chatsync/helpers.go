package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pharmashift/chatsync"
	"go.uber.org/zap"
)

// newLogger builds the CLI logger: development output under --debug,
// warnings-only production JSON otherwise.
func newLogger() *zap.Logger {
	if debugLogging {
		l, err := zap.NewDevelopment()
		if err == nil {
			return l
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// getClient creates a backend client from the saved configuration.
func getClient(log *zap.Logger) *chatsync.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No auth token. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	return chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg, log)...)
}

func clientOptions(cfg *Config, log *zap.Logger) []chatsync.ClientOption {
	opts := []chatsync.ClientOption{chatsync.WithClientLogger(log)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.MediaURL != "" {
		opts = append(opts, chatsync.WithMediaURL(cfg.Default.MediaURL))
	}
	if cfg.Default.WSURL != "" {
		opts = append(opts, chatsync.WithWSURL(cfg.Default.WSURL))
	}
	return opts
}

// getEngine creates an engine whose room snapshot lives in
// ~/.chatsync/snapshot. A snapshot that cannot be opened (another chatsync
// holds the lock) falls back to memory.
func getEngine(log *zap.Logger, opts ...chatsync.EngineOption) *chatsync.Engine {
	client := getClient(log)
	opts = append([]chatsync.EngineOption{
		chatsync.WithLogger(log),
		chatsync.WithNotifier(stderrNotifier{}),
	}, opts...)

	if dir, err := configDir(); err == nil {
		store, err := chatsync.OpenPebbleStorage(filepath.Join(dir, "snapshot"))
		if err != nil {
			log.Warn("room snapshot unavailable", zap.Error(err))
		} else {
			opts = append(opts, chatsync.WithStorage(store))
		}
	}
	return chatsync.NewEngine(client, opts...)
}

// stderrNotifier prints engine notifications for the terminal user.
type stderrNotifier struct{}

func (stderrNotifier) Notify(n chatsync.Notification) {
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.RoomTitle, n.Sender, preview(n.Body, 60))
}

func (stderrNotifier) Error(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", action, err)
}

func (stderrNotifier) UnreadChanged(int) {}

func preview(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func formatMessage(m *chatsync.Message, r *chatsync.Resolver, kind chatsync.RoomKind) string {
	who := r.Display(m.Sender.MembershipID, kind).DisplayName()
	if _, ok := r.Resolve(m.Sender.MembershipID); !ok {
		if snap := m.Sender.Identity.DisplayName(); snap != "" {
			who = snap
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-20s ", m.CreatedAt.Local().Format("2006-01-02 15:04"), who)
	switch {
	case m.Deleted:
		b.WriteString("(deleted)")
	case m.Body != nil:
		b.WriteString(*m.Body)
	}
	if m.Attachment != nil && !m.Deleted {
		fmt.Fprintf(&b, " [attachment: %s]", m.Attachment.URL)
	}
	if m.Edited && !m.Deleted {
		b.WriteString(" (edited)")
	}
	if m.Pinned {
		b.WriteString(" (pinned)")
	}
	if len(m.Reactions) > 0 {
		counts := map[string]int{}
		var order []string
		for _, re := range m.Reactions {
			if counts[re.Emoji] == 0 {
				order = append(order, re.Emoji)
			}
			counts[re.Emoji]++
		}
		for _, e := range order {
			fmt.Fprintf(&b, " %s%d", e, counts[e])
		}
	}
	return b.String()
}
