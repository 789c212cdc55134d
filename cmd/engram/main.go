// Command engram runs the memory store server and its maintenance tools.
//
// `engram serve` is the system: store, LLM gateway, ingestion worker, TTL
// daemon, and the two tool servers. Every other subcommand is a thin client
// of a running admin server so maintenance always flows through the single
// writer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/engramdev/engram/internal/rpc"
)

const version = "0.4.0"

var (
	verboseFlag bool
	serverURL   string
	tokenFlag   string

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "Long-term memory store for conversational agents",
	Long: `engram ingests free-form text, segments it into semantically cohesive
memories, deduplicates and arbitrates conflicts against prior knowledge, and
serves hybrid vector+keyword retrieval over the result.

Run 'engram serve' to start the server. The remaining subcommands talk to the
admin port of a running instance.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// adminClient builds a client for the admin server from the shared flags.
func adminClient() *rpc.Client {
	token := tokenFlag
	if token == "" {
		token = os.Getenv("API_KEY")
	}
	return rpc.NewClient(serverURL, token)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8767", "Admin server base URL (client subcommands)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (default: $API_KEY)")

	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
