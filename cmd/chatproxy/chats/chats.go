// Package chatscmder provides commands for inspecting stored conversations
// without going through a running server.
package chatscmder

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/chatproxy/cmd/chatproxy/storeopen"
	"github.com/papercomputeco/chatproxy/pkg/cliui"
	"github.com/papercomputeco/chatproxy/pkg/config"
	"github.com/papercomputeco/chatproxy/pkg/logger"
	"github.com/papercomputeco/chatproxy/pkg/storage"
)

const chatsLongDesc string = `Inspect stored conversations.

Reads the record store configured for "chatproxy serve" directly, so it works
whether or not the server is running.

Examples:
  chatproxy chats list
  chatproxy chats show my-chat
  chatproxy chats list --storage sqlite --sqlite ./chats.db`

const chatsShortDesc string = "Inspect stored conversations"

// storeFlagKeys are the registry entries that select the record store.
var storeFlagKeys = []string{
	config.FlagStorageDriver,
	config.FlagChatsDir,
	config.FlagSQLite,
	config.FlagPostgresDSN,
}

type storeFlags struct {
	driver      string
	chatsDir    string
	sqlitePath  string
	postgresDSN string
}

func NewChatsCmd() *cobra.Command {
	flags := &storeFlags{}

	cmd := &cobra.Command{
		Use:   "chats",
		Short: chatsShortDesc,
		Long:  chatsLongDesc,
	}

	fs := config.ServeFlags
	pf := &cobra.Command{}
	config.AddStringFlag(pf, fs, config.FlagStorageDriver, &flags.driver)
	config.AddStringFlag(pf, fs, config.FlagChatsDir, &flags.chatsDir)
	config.AddStringFlag(pf, fs, config.FlagSQLite, &flags.sqlitePath)
	config.AddStringFlag(pf, fs, config.FlagPostgresDSN, &flags.postgresDSN)
	cmd.PersistentFlags().AddFlagSet(pf.Flags())

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowCmd())

	return cmd
}

// openStore resolves the storage settings for cmd and opens the driver.
func openStore(ctx context.Context, cmd *cobra.Command) (storage.Driver, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	debug, _ := cmd.Flags().GetBool("debug")

	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, err
	}
	config.BindRegisteredFlags(v, cmd, config.ServeFlags, storeFlagKeys)

	cfg := config.FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := logger.Nop()
	if debug {
		log = logger.New(logger.WithDebug(true), logger.WithWriter(cmd.ErrOrStderr()))
	}

	var driver storage.Driver
	open := func() error {
		var err error
		driver, err = storeopen.Open(ctx, cfg.Storage, log)
		return err
	}

	// Animate only on a terminal.
	if f, ok := cmd.ErrOrStderr().(*os.File); ok && cliui.Interactive(f) {
		err = cliui.Step(f, "Opening "+cfg.Storage.Driver+" store", open)
	} else {
		err = open()
	}
	if err != nil {
		return nil, fmt.Errorf("opening record store: %w", err)
	}
	return driver, nil
}
