package main

import (
	"os"

	chatproxycmder "github.com/papercomputeco/chatproxy/cmd/chatproxy"
)

func main() {
	cmd := chatproxycmder.NewChatproxyCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
