package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/sbmarket/internal/txerror"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <message>",
	Short: "Show how a wallet or node error message is presented",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := txerror.ClassifyMessage(strings.Join(args, " "))
		out := cmd.OutOrStdout()
		if jsonOut {
			return printJSON(out, c)
		}
		row(out, "Category", c.Category)
		if c.Reason != "" {
			row(out, "Reason", c.Reason)
		}
		row(out, "Title", c.Title)
		row(out, "Description", c.Description)
		return nil
	},
}
