// Package main provides the entry point for the kbchat CLI.
package main

import (
	"os"

	"github.com/MaxWANGCAI/kbchat/cmd/kbchat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
