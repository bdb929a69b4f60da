// Package main is the entry point for the devlink CLI.
package main

import (
	"fmt"
	"os"

	"github.com/tOgg1/devlink/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
