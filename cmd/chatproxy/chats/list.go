package chatscmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatproxy/pkg/cliui"
)

const listLongDesc string = `List stored conversations ordered by name.

Examples:
  chatproxy chats list`

const listShortDesc string = "List stored conversations"

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd)
		},
	}
}

func runList(cmd *cobra.Command) error {
	ctx := cmd.Context()

	driver, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer driver.Close()

	summaries, err := driver.List(ctx)
	if err != nil {
		return fmt.Errorf("listing chats: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintf(out, "%s\n", cliui.DimStyle.Render("No chats yet."))
		return nil
	}

	maxLen := 0
	for _, s := range summaries {
		maxLen = max(maxLen, len(s.ID))
	}

	for _, s := range summaries {
		fmt.Fprintf(out, "%-*s  %s\n", maxLen, s.ID, cliui.DimStyle.Render(s.Model))
	}
	return nil
}
