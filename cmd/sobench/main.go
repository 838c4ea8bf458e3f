// Package main is the entry point for sobench.
package main

import (
	"fmt"
	"os"

	"sobench/internal/cli"
)

var version = "dev"

func main() {
	cli.Version = version

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
