package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pharmashift/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// rooms
	roomsJSON   bool
	roomsUnread bool

	// history
	historyOlder int
	historyJSON  bool
)

func init() {
	roomsCmd.Flags().BoolVar(&roomsJSON, "json", false, "Output raw JSON")
	roomsCmd.Flags().BoolVar(&roomsUnread, "unread", false, "Only rooms with unread messages")

	historyCmd.Flags().IntVar(&historyOlder, "older", 0, "Also load N older pages")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(roomsCmd, historyCmd, sendCmd, statusCmd)
}

// ============================================================================
// rooms
// ============================================================================

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List chat rooms, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()
		engine := getEngine(log)
		defer engine.Dispose()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := engine.Start(ctx); err != nil {
			if len(engine.Rooms()) == 0 {
				return fmt.Errorf("failed to load rooms: %w", err)
			}
			fmt.Fprintf(os.Stderr, "Showing cached rooms: %v\n", err)
		}
		engine.PrefetchMembers(ctx)

		rooms := engine.Rooms()
		if roomsUnread {
			filtered := rooms[:0]
			for _, r := range rooms {
				if r.UnreadCount > 0 {
					filtered = append(filtered, r)
				}
			}
			rooms = filtered
		}

		if roomsJSON {
			return printJSON(rooms)
		}
		if len(rooms) == 0 {
			fmt.Println("No rooms.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tUNREAD\tLAST ACTIVITY\tLAST MESSAGE")
		for _, r := range rooms {
			title := engine.Resolver().RoomTitle(r, "")
			if r.Pinned {
				title = "* " + title
			}
			last := ""
			if r.LastMessage != nil {
				last = preview(r.LastMessage.Body, 40)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, title, r.UnreadCount, r.LastActivityAt.Local().Format("2006-01-02 15:04"), last)
		}
		return w.Flush()
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <room-id>",
	Short: "Print a room's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()
		client := getClient(log)
		store := chatsync.NewMessageStore(client, log)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		roomID := args[0]
		buf, err := store.EnsureLoaded(ctx, roomID)
		if err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}
		for i := 0; i < historyOlder && buf.HasMore; i++ {
			if _, err := store.LoadOlder(ctx, roomID); err != nil {
				return fmt.Errorf("failed to load older messages: %w", err)
			}
			buf, _ = store.Buffer(roomID)
		}

		if historyJSON {
			return printJSON(buf.Messages)
		}

		kind := chatsync.RoomGroup
		if room, err := client.FetchRoom(ctx, roomID); err == nil {
			kind = room.Kind
		}
		resolver := chatsync.NewResolver(chatsync.LookupFunc(func(id string) (chatsync.Identity, bool) {
			for _, m := range buf.Messages {
				if m.Sender.MembershipID == id {
					return m.Sender.Identity, true
				}
			}
			return chatsync.Identity{}, false
		}))
		for _, m := range buf.Messages {
			fmt.Println(formatMessage(m, resolver, kind))
		}
		if buf.HasMore {
			fmt.Println("(older messages available, use --older N)")
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <room-id> <text>",
	Short: "Send a text message to a room",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()
		client := getClient(log)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.SendRoomMessage(ctx, args[0], chatsync.OutgoingMessage{Body: args[1]}); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println("Message sent.")
		return nil
	},
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check configuration and backend reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		fmt.Printf("Base URL: %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL))
		if cfg.Auth.Token == "" {
			fmt.Println("Token:    (not set)")
			return nil
		}
		fmt.Printf("Token:    %s\n", maskKey(cfg.Auth.Token))

		log := newLogger()
		defer log.Sync()
		client := chatsync.NewClient(cfg.Auth.Token, clientOptions(cfg, log)...)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		rooms, err := client.FetchRooms(ctx)
		if err != nil {
			fmt.Printf("Backend:  error: %v\n", err)
			return nil
		}
		unread := 0
		for _, r := range rooms {
			unread += r.UnreadCount
		}
		fmt.Printf("Backend:  ok (%s)\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("Rooms:    %d (%d unread)\n", len(rooms), unread)
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
