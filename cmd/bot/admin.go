package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgard/supportbot/internal/database"
)

func newBlockedCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "Inspect and reset chats that refused delivery",
	}
	cmd.AddCommand(newBlockedListCmd(opts))
	cmd.AddCommand(newBlockedClearCmd(opts))
	return cmd
}

func newBlockedListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List blocked chats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store database.Store) error {
				chats, err := store.ListBlockedChats(ctx)
				if err != nil {
					return err
				}
				if len(chats) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No blocked chats.")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "CHAT ID\tBLOCKED AT\tREASON")
				for _, c := range chats {
					fmt.Fprintf(w, "%s\t%s\t%s\n", c.ChatID, c.BlockedAt.UTC().Format(time.RFC3339), c.Reason)
				}
				return w.Flush()
			})
		},
	}
}

func newBlockedClearCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [chat_id...]",
		Short: "Allow delivery to blocked chats again",
		Long:  "Removes the given chats from the blocked list. The running bot picks the change up on its next start.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("name the chats to clear or pass --all")
			}
			if len(args) > 0 && all {
				return errors.New("--all cannot be combined with chat ids")
			}
			return opts.withStore(cmd, func(ctx context.Context, store database.Store) error {
				n, err := store.ClearBlockedChats(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d blocked chat(s).\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Clear every blocked chat")
	return cmd
}

func newLearnedCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "learned",
		Short: "Inspect owner-taught context",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print persisted learned context in the order it was taught",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withStore(cmd, func(ctx context.Context, store database.Store) error {
				fragments, err := store.ListLearnedFragments(ctx)
				if err != nil {
					return err
				}
				if len(fragments) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No persisted learned context (is bot.persist_learned_context enabled?).")
					return nil
				}
				for _, f := range fragments {
					fmt.Fprintln(cmd.OutOrStdout(), f.Fragment)
				}
				return nil
			})
		},
	})
	return cmd
}
