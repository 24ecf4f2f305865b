package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/chatty-app/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Newest messages to show (0 for all)")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print cached messages of a conversation",
	Long:  "Print the messages of a conversation from the local timeline cache written by 'chatsync tail'.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		dir, err := storeDir(cfg)
		if err != nil {
			return err
		}
		store, err := chatsync.OpenPebbleStore(dir)
		if err != nil {
			return err
		}
		defer store.Close()

		msgs, err := store.Load(cmd.Context(), args[0], historyLimit)
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		if len(msgs) == 0 {
			fmt.Printf("Nothing cached for %s.\n", args[0])
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Sender", "Sent", "Read by", "Content"})
		table.SetAutoWrapText(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetCenterSeparator("")
		table.SetColumnSeparator("")
		table.SetRowSeparator("")
		table.SetHeaderLine(false)
		table.SetBorder(false)
		table.SetTablePadding("\t")

		for _, m := range msgs {
			table.Append([]string{
				m.ID,
				m.SenderID,
				humanize.Time(m.CreatedAt),
				strconv.Itoa(len(m.ReadBy)),
				truncate(m.Content, 60),
			})
		}
		table.Render()
		fmt.Printf("%s messages\n", humanize.Comma(int64(len(msgs))))
		return nil
	},
}
