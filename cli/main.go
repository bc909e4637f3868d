package main

import (
	"github.com/awnumar/memguard"

	"github.com/s7g4/arti-hs-keymgmt/cli/cmd"
)

func main() {
	// Wipe enclaves and exit cleanly on SIGINT/SIGTERM.
	memguard.CatchInterrupt()
	defer memguard.Purge()

	cmd.Execute()
}
