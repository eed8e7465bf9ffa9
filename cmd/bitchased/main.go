package main

import (
	"os"

	"github.com/bitchase/bitchase/cmd/bitchased/commands"
)

func main() {
	if err := commands.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
