package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatsync/internal/chat"
	"github.com/user/chatsync/internal/gateway"
	"github.com/user/chatsync/internal/metrics"
	"github.com/user/chatsync/internal/state"
	"github.com/user/chatsync/internal/types"
)

var metricsListen string

func init() {
	joinCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve client metrics on this address")
	rootCmd.AddCommand(joinCmd)
}

var joinCmd = &cobra.Command{
	Use:   "join [channel]",
	Short: "Join a channel and chat from the terminal",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJoin,
}

func runJoin(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)
	channel := channelArg(cfg, args)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if metricsListen != "" {
		srv := &http.Server{Addr: metricsListen, Handler: m.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server error", "error", err)
			}
		}()
		defer srv.Close()
	}

	store := restClient(cfg)
	rt, err := realtimeClient(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	gw := gateway.New(store, int64(cfg.Chat.MaxInflightWrites))
	gw.Start(ctx)
	defer gw.Stop()

	client, err := chat.New(chat.Config{
		Channel:       channel,
		BackfillLimit: cfg.Chat.BackfillLimit,
		Reconnect:     reconnectPolicy(cfg),
	}, state.NewProfileStore(cfg.DataDir), store, rt, gw, chat.WithMetrics(m))
	if err != nil {
		return err
	}
	defer client.Close()

	if client.CurrentIdentity() == "" {
		return fmt.Errorf("no identity set, run: chatsync identity set <emoji>")
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "Joined #%s as %s. Type a message and press Enter, /quit to leave.\n", channel, client.CurrentIdentity())

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	outbox := make(chan string, outboxSize)
	failed := make(chan sendFailure, outboxSize)
	go sendLines(ctx, func(ctx context.Context, content string) error {
		_, err := client.Send(ctx, content)
		return err
	}, outbox, failed)

	v := newView()
	v.render(os.Stdout, client)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-client.Changes():
			v.render(os.Stdout, client)
		case f := <-failed:
			fmt.Fprintf(os.Stdout, "! not sent %q: %v\n", f.content, f.err)
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				return nil
			}
			if line == "" {
				continue
			}
			select {
			case outbox <- line:
			default:
				fmt.Fprintln(os.Stdout, "! not sent: too many messages waiting")
			}
		}
	}
}

const outboxSize = 32

type sendFailure struct {
	content string
	err     error
}

// sendLines sends queued lines one at a time in the order typed, so the
// terminal keeps rendering while a write is in flight. Failures are
// reported on failed without blocking the sender.
func sendLines(ctx context.Context, send func(context.Context, string) error, outbox <-chan string, failed chan<- sendFailure) {
	for {
		select {
		case <-ctx.Done():
			return
		case content := <-outbox:
			if err := send(ctx, content); err != nil {
				select {
				case failed <- sendFailure{content: content, err: err}:
				default:
					slog.Warn("send failure not shown", "error", err)
				}
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

// view remembers what has been printed so each render only prints changes.
type view struct {
	seen   map[types.MessageID]bool
	online []string
	status chat.Status
}

func newView() *view {
	return &view{seen: make(map[types.MessageID]bool)}
}

func (v *view) render(w io.Writer, c *chat.Client) {
	for _, line := range v.update(c.Messages(), c.OnlineParticipants(), c.ConnectionStatus()) {
		fmt.Fprintln(w, line)
	}
}

// update returns the lines describing what changed since the last call.
// Messages that disappeared (rolled back) are forgotten so they are not
// reported again.
func (v *view) update(msgs []types.Message, online []string, status chat.Status) []string {
	var out []string
	if status != v.status {
		out = append(out, fmt.Sprintf("-- %s", status))
		v.status = status
	}

	current := make(map[types.MessageID]bool, len(msgs))
	for _, m := range msgs {
		current[m.ID] = true
		if v.seen[m.ID] {
			continue
		}
		v.seen[m.ID] = true
		out = append(out, fmt.Sprintf("[%s] %s: %s", time.UnixMilli(m.CreatedAt).Format("15:04:05"), m.Author, m.Content))
	}
	for id := range v.seen {
		if !current[id] {
			delete(v.seen, id)
		}
	}

	online = slices.Clone(online)
	slices.Sort(online)
	if !slices.Equal(online, v.online) {
		out = append(out, fmt.Sprintf("-- online: %s", strings.Join(online, " ")))
		v.online = online
	}
	return out
}
