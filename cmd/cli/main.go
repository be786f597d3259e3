package main

import (
	"os"

	"github.com/thereceipt/print-bridge/internal/command"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := command.NewRootCmd(Version).Execute(); err != nil {
		os.Exit(1)
	}
}
