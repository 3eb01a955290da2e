// Package chatproxycmder is the root chatproxy command.
package chatproxycmder

import (
	"github.com/spf13/cobra"

	chatscmder "github.com/papercomputeco/chatproxy/cmd/chatproxy/chats"
	configcmder "github.com/papercomputeco/chatproxy/cmd/chatproxy/config"
	servecmder "github.com/papercomputeco/chatproxy/cmd/chatproxy/serve"
	versioncmder "github.com/papercomputeco/chatproxy/cmd/version"
)

const chatproxyLongDesc string = `chatproxy keeps named conversations with a local language model.

It sits between a chat front end and an OpenAI-compatible model server such
as LM Studio, streams each answer back as it is generated and stores every
conversation so it can be resumed later.

Commands:
  chatproxy serve          Run the HTTP server
  chatproxy chats list     List stored conversations
  chatproxy config list    Show the effective configuration`

const chatproxyShortDesc string = "chatproxy - conversations with a local model"

func NewChatproxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "chatproxy",
		Short:        chatproxyShortDesc,
		Long:         chatproxyLongDesc,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Directory holding config.toml (default: ./.chatproxy or ~/.chatproxy)")

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(chatscmder.NewChatsCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
