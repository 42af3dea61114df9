package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/rtchat/sdk"
)

// NewPendingCommand creates the pending command and its subcommands.
func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Review conversations waiting for your acceptance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List pending conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, stop, err := startSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer stop()
			printConversations(cmd.OutOrStdout(), s.UserID(), s.Store().PendingConversations())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "accept <conversation-id>",
		Short: "Accept a pending conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, stop, err := startSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer stop()
			if err := s.Store().AcceptConversation(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "accepted %s\n", args[0])
			return nil
		},
	})

	var deleteHistory bool
	reject := &cobra.Command{
		Use:   "reject <conversation-id>",
		Short: "Reject a pending conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, stop, err := startSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer stop()
			if err := s.Store().RejectConversation(cmd.Context(), args[0], deleteHistory); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rejected %s\n", args[0])
			return nil
		},
	}
	reject.Flags().BoolVar(&deleteHistory, "delete-history", true, "remove the conversation and its history on the server")
	cmd.AddCommand(reject)

	return cmd
}

// NewDirectCommand creates the direct command.
func NewDirectCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "direct <email>",
		Short: "Open a direct conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, stop, err := startSession(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer stop()
			id, err := s.Store().CreateDirectConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func printConversations(w io.Writer, userId string, list []*sdk.Conversation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tFROM\tACTIVITY")
	for _, c := range list {
		from := ""
		for _, m := range c.Members {
			if m.UserID != userId {
				from = m.UserID
				break
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Type, from, c.ActivityAt().Local().Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}
