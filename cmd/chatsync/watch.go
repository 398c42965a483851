package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pharmashift/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

const watchHelp = `Lines typed are sent as messages. Commands:
  /older               load older history
  /attach <path>       stage an uploaded attachment for the next send
  /edit <id> <text>    edit a message
  /delete <id>         delete a message
  /react <id> <emoji>  react to a message
  /pin [id]            toggle the room pin, or a message pin
  /typing              show who is typing
  /quit                leave`

var watchCmd = &cobra.Command{
	Use:   "watch <room-id>",
	Short: "Follow a room live and chat from the terminal",
	Long:  "Open a room, print its history and live events, and send each input line as a message.\n\n" + watchHelp,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			if err := chatsync.RegisterMetrics(reg); err != nil {
				return fmt.Errorf("register metrics: %w", err)
			}
			srv := &http.Server{Addr: watchMetricsAddr, Handler: metricsMux(reg)}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Warn("metrics server", zap.Error(err))
				}
			}()
			defer srv.Close()
		}

		var engine *chatsync.Engine
		engine = getEngine(log, chatsync.WithEventHook(func(ev chatsync.Event) {
			printEvent(engine, ev)
		}))
		defer engine.Dispose()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := engine.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Room list unavailable: %v\n", err)
		}
		go engine.PrefetchMembers(ctx)

		roomID := args[0]
		buf, err := engine.SelectRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("failed to open room: %w", err)
		}
		kind := roomKind(engine)
		fmt.Printf("== %s ==\n", engine.RoomTitle(roomID))
		for _, m := range buf.Messages {
			fmt.Println(formatMessage(m, engine.Resolver(), kind))
		}
		if engine.State() != chatsync.StateOpen {
			fmt.Fprintln(os.Stderr, "Live channel not connected; showing history only.")
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleLine(ctx, engine, line); quit {
					return nil
				}
			}
		}
	},
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func roomKind(engine *chatsync.Engine) chatsync.RoomKind {
	if r, ok := engine.ActiveRoom(); ok {
		return r.Kind
	}
	return chatsync.RoomGroup
}

func handleLine(ctx context.Context, engine *chatsync.Engine, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	actx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if !strings.HasPrefix(line, "/") {
		engine.Keystroke()
		engine.Composer().SetBody(line)
		// Failures are reported through the notifier.
		_ = engine.Send(actx)
		return false
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	switch fields[0] {
	case "/quit":
		return true
	case "/older":
		ok, err := engine.LoadOlder(actx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load older failed: %v\n", err)
		} else if !ok {
			fmt.Println("(no older messages)")
		} else {
			kind := roomKind(engine)
			for _, m := range engine.ActiveMessages() {
				fmt.Println(formatMessage(m, engine.Resolver(), kind))
			}
		}
	case "/attach":
		engine.Composer().Stage(arg(1))
	case "/edit":
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			fmt.Println("usage: /edit <id> <text>")
			break
		}
		_ = engine.Edit(actx, parts[1], parts[2])
	case "/delete":
		_ = engine.Delete(actx, arg(1))
	case "/react":
		_ = engine.React(actx, arg(1), arg(2))
	case "/pin":
		if res, err := engine.TogglePin(actx, arg(1)); err == nil && arg(1) == "" {
			fmt.Printf("(room pinned: %v)\n", res.IsPinned)
		}
	case "/typing":
		if names := engine.TypingNames(); len(names) > 0 {
			fmt.Printf("(%s typing)\n", strings.Join(names, ", "))
		} else {
			fmt.Println("(nobody typing)")
		}
	default:
		fmt.Println(watchHelp)
	}
	return false
}

func printEvent(engine *chatsync.Engine, ev chatsync.Event) {
	kind := roomKind(engine)
	switch ev := ev.(type) {
	case chatsync.MessageCreatedEvent:
		fmt.Println(formatMessage(ev.Message, engine.Resolver(), kind))
	case chatsync.MessageUpdatedEvent:
		fmt.Printf("~ %s\n", formatMessage(ev.Message, engine.Resolver(), kind))
	case chatsync.MessageDeletedEvent:
		fmt.Printf("(message %s deleted)\n", ev.MessageID)
	case chatsync.TypingEvent:
		if names := engine.TypingNames(); len(names) > 0 {
			fmt.Printf("(%s typing)\n", strings.Join(names, ", "))
		}
	case chatsync.PinUpdatedEvent:
		if ev.Message == nil {
			fmt.Println("(pinned message cleared)")
		} else {
			fmt.Printf("(pinned: %s)\n", preview(ev.Message.Text(), 60))
		}
	}
}
