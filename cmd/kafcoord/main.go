// Package main is the entry point for the kafcoord CLI.
package main

import (
	"os"

	"github.com/KafClaw/KafCoord/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
