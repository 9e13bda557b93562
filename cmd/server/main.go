/*
main.go - Application entry point

PURPOSE:
  Command-line front door of the field ledger. Each subcommand loads the
  configuration, wires the store, engine, reporter and identity service,
  then does one job.

COMMANDS:
  serve     Run the HTTP API with graceful shutdown
  seed      Create the configured admin and staff accounts
  verify    Replay the event log and compare aggregates (-repair rewrites them)
  report    Print a daily, monthly or summary report

GLOBAL FLAGS:
  -config   Path to a TOML config file (default: ./config.toml when present)

ENVIRONMENT:
  Every config key can be overridden with MICROLEDGER_<SECTION>_<KEY>,
  e.g. MICROLEDGER_DATABASE_PATH=/data/ledger.db.

EXAMPLES:
  # Run with file database
  ./server -config=/etc/microledger.toml serve

  # Run with in-memory store
  MICROLEDGER_DATABASE_DRIVER=memory ./server serve

  # Print today's collection sheet
  ./server report -kind=daily

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys and defaults
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

var configPath = flag.String("config", "", "path to a TOML config file")

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&seedCmd{}, "admin")
	commander.Register(&verifyCmd{}, "admin")
	commander.Register(&reportCmd{}, "admin")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}
