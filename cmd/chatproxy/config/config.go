// Package configcmder provides the config command for managing persistent
// chatproxy configuration stored in the .chatproxy/ directory.
package configcmder

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatproxy/pkg/cliui"
	"github.com/papercomputeco/chatproxy/pkg/config"
)

const configLongDesc string = `Manage persistent chatproxy configuration.

Configuration is stored as config.toml in the .chatproxy/ directory and
provides default values for command flags. CLI flags and CHATPROXY_*
environment variables always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  proxy.listen, proxy.upstream, proxy.request_timeout,
  storage.driver, storage.chats_dir, storage.sqlite_path, storage.postgres_dsn,
  events.provider, events.kafka_brokers, events.kafka_topic,
  log.json, log.pretty, log.file

Use subcommands to get, set, or list configuration values:
  chatproxy config set <key> <value>    Set a configuration value
  chatproxy config get <key>            Get a configuration value
  chatproxy config list                 List all configuration values

Examples:
  chatproxy config set proxy.upstream http://gpu-box:1234
  chatproxy config set storage.driver sqlite
  chatproxy config get proxy.listen
  chatproxy config list`

const configShortDesc string = "Manage persistent chatproxy configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

func completeKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func printTarget(w io.Writer, cfger *config.Configer) {
	if target := cfger.GetTarget(); target != "" {
		fmt.Fprintf(w, "\n  %s %s\n\n",
			cliui.KeyStyle.Render("Config file:"),
			cliui.DimStyle.Render(target),
		)
		return
	}
	fmt.Fprintf(w, "\n  %s\n\n", cliui.DimStyle.Render("No config file found. Using defaults."))
}
