package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatsync/internal/gateway"
	"github.com/user/chatsync/internal/types"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "number of messages (default chat.backfill_limit)")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history [channel]",
	Short: "Print the most recent messages of a channel",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		channel := channelArg(cfg, args)
		limit := historyLimit
		if limit <= 0 {
			limit = cfg.Chat.BackfillLimit
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store := restClient(cfg)
		var msgs []types.Message
		err := gateway.DefaultRetryPolicy().Execute(ctx, func(ctx context.Context) error {
			var err error
			msgs, err = store.Backfill(ctx, channel, limit)
			return err
		})
		if errors.Is(err, types.ErrNotProvisioned) {
			fmt.Println("Message storage is not initialized yet.")
			return nil
		}
		if err != nil {
			return fmt.Errorf("backfill: %w", err)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tAUTHOR\tMESSAGE")
		for _, m := range msgs {
			fmt.Fprintf(w, "%s\t%s\t%s\n",
				time.UnixMilli(m.CreatedAt).Format("2006-01-02 15:04:05"),
				m.Author,
				m.Content,
			)
		}
		return w.Flush()
	},
}
