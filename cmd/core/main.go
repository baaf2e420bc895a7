// Package main provides the stocksync command-line tool for operating the
// local sync engine: schema migration, status, and one-shot sync passes.
package main

import (
	"context"
	"fmt"
	"os"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(GetExitCode(err))
	}
}
