// Package main is the entry point for the changegate CLI.
package main

import (
	"fmt"
	"os"

	"github.com/tOgg1/changegate/internal/cli"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(cli.Execute(fmt.Sprintf("%s (%s, %s)", version, commit, date)))
}
