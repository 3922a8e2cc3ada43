// Package main provides the entry point for the sessionstream CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/sessionstream/cmd/sessionstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
