/*
main.go - Application entry point

PURPOSE:
  Starts the token ledger server and its operator commands.

COMMANDS:
  serve     HTTP API, metrics and (optionally) the reward event consumer
  verify    Replay journals and compare them with stored balances
  token     Issue a bearer token for local testing
  publish   Send one reward event to the queue

CONFIGURATION:
  --config path.toml, then .env, then LEDGER_* environment variables.
  See config/config.go for every key.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the event consumer (in-flight deliveries are requeued)
  4. Close the database
  5. Exit

EXAMPLES:
  # Local development with an in-memory ledger
  LEDGER_STORAGE_DRIVER=memory LEDGER_JWT_SECRET=dev ./server serve

  # Production-like
  ./server serve --config /etc/ledger/ledger.toml

  # Audit every balance
  ./server verify --all --config /etc/ledger/ledger.toml

SEE ALSO:
  - api/server.go: Router configuration
  - ledger/engine.go: Ledger operations
  - events/consumer.go: RabbitMQ consumer
*/
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
