package chatscmder

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatproxy/pkg/cliui"
	"github.com/papercomputeco/chatproxy/pkg/conversation"
	"github.com/papercomputeco/chatproxy/pkg/utils"
)

const showLongDesc string = `Show one stored conversation turn by turn.

On a terminal, assistant answers are rendered as markdown. Use --raw for the
stored text, or --preview to cut each turn to its first characters.

Examples:
  chatproxy chats show my-chat
  chatproxy chats show my-chat --preview 80`

const showShortDesc string = "Show a stored conversation"

type showCommander struct {
	raw     bool
	preview int
}

func newShowCmd() *cobra.Command {
	cmder := &showCommander{}

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: showShortDesc,
		Long:  showLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, args[0])
		},
	}

	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Print stored text without markdown rendering")
	cmd.Flags().IntVar(&cmder.preview, "preview", 0, "Truncate each turn to this many characters (0 shows everything)")

	return cmd
}

func (c *showCommander) run(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()

	driver, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer driver.Close()

	rec, err := driver.Load(ctx, name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	render := !c.raw && c.preview == 0 && isTerminal(out)

	writeHeader(out, rec)
	for i, turn := range rec.Messages {
		fmt.Fprintf(out, "%s %s\n", cliui.DimStyle.Render(fmt.Sprintf("[%d]", i)), cliui.Role(string(turn.Role)))
		fmt.Fprintln(out, c.body(turn, render))
	}
	return nil
}

func writeHeader(out io.Writer, rec *conversation.Record) {
	fmt.Fprintf(out, "%s\n", cliui.HeaderStyle.Render(rec.ID))
	fmt.Fprintf(out, "  %s %s\n", cliui.KeyStyle.Render("model:"), cliui.ValueStyle.Render(rec.Model))
	fmt.Fprintf(out, "  %s %v  %s %d\n",
		cliui.KeyStyle.Render("temperature:"), rec.Temperature,
		cliui.KeyStyle.Render("max_tokens:"), rec.MaxTokens,
	)
	fmt.Fprintf(out, "  %s %s  %s %s\n\n",
		cliui.KeyStyle.Render("created:"), rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		cliui.KeyStyle.Render("updated:"), rec.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
	)
}

func (c *showCommander) body(turn conversation.Turn, render bool) string {
	text := turn.Content
	if c.preview > 0 {
		return utils.Truncate(strings.ReplaceAll(text, "\n", " "), c.preview) + "\n"
	}
	if render && turn.Role == conversation.RoleAssistant {
		if rendered, err := cliui.RenderMarkdown(text); err == nil {
			return rendered
		}
	}
	return text + "\n"
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && cliui.Interactive(f)
}
