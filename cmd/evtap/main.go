// Package main provides the entry point for the evtap CLI, which watches and
// publishes events over a configurable transport.
package main

import (
	"context"
	"os"

	"github.com/rbaliyan/eventstream/cmd/evtap/app"
)

// Version information populated at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	application := app.New(version, commit, date)

	ctx, cancel := app.ContextWithSignals(context.Background())
	defer cancel()

	if err := application.Execute(ctx, os.Args[1:]); err != nil {
		cancel()
		app.ExitOnError(err)
	}
}
