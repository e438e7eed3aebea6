/*
main.go - Application entry point

PURPOSE:
  Starts cultivationd, the HTTP service in front of the cultivation engine.
  Handles configuration, dependency wiring, and graceful shutdown.

COMMANDS:
  serve       Run the HTTP API (optionally bootstrapping sites first)
  migrate     Create or update the database schema
  bootstrap   Apply each configured site's stage template and settings

CONFIGURATION:
  --config path/to/cultivationd.yaml plus environment overrides.
  See config/config.go for every key.

EXAMPLES:
  # Local run on SQLite
  cultivationd serve --bootstrap

  # Postgres with Redis locks and NATS events
  DATABASE_URL=postgres://localhost/cultivation \
  CULTIVATION_REDIS_ADDR=localhost:6379 \
  CULTIVATION_NATS_URL=nats://localhost:4222 \
  cultivationd serve --config /etc/cultivationd.yaml

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Drain NATS, close Redis and the database
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - wire.go: Store, lock, event and metrics wiring
*/
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string) int {
	root := newRootCmd(Version)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}
	return 0
}
