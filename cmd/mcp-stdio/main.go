// mnemo-mcp-stdio connects Claude Desktop and other MCP-compatible AI hosts
// to a running mnemo server. The host speaks MCP over stdio; the bridge
// relays every message to the server's /mcp endpoint using an agent API key,
// so memory stays on the server and the key never reaches the model.
//
// Add to Claude Desktop (~/.claude/claude_desktop_config.json):
//
//	{
//	  "mcpServers": {
//	    "mnemo": {
//	      "command": "/path/to/mnemo-mcp-stdio",
//	      "args": ["--server", "https://mnemo.example.com"],
//	      "env": {"MNEMO_API_KEY": "mnm_..."}
//	    }
//	  }
//	}
//
// Mint a key with 'mnemoctl key mint --agent <slug>'.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mnemohq/mnemo/internal/mcpbridge"
	"github.com/mnemohq/mnemo/pkg/memclient"
	"github.com/spf13/cobra"
)

var (
	serverURL  string
	apiKey     string
	timeoutSec int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mnemo-mcp-stdio",
	Short: "Stdio MCP bridge to a mnemo memory server",
	Long: `mnemo-mcp-stdio is a stdio MCP server that forwards tool traffic to a
remote mnemo server:

  memorize — store a fact, observation, or document for this agent
  recall   — search memories, read the profile, or query granted tables
  review   — list and resolve contradicting memories

The set of tools and what they can touch is decided server-side by the
tenant's consent rules, so the bridge itself holds no policy. It runs in
stdio mode (the MCP standard for local servers) and logs to stderr so it
does not interfere with the protocol.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "mnemo server URL")
	rootCmd.Flags().StringVar(&apiKey, "api-key", "", "agent API key (defaults to MNEMO_API_KEY)")
	rootCmd.Flags().IntVar(&timeoutSec, "timeout", 30, "per-call timeout in seconds")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := log.New(os.Stderr, "[mnemo-mcp] ", log.LstdFlags)

	key := apiKey
	if key == "" {
		key = os.Getenv("MNEMO_API_KEY")
	}
	if key == "" {
		return fmt.Errorf("no API key: set MNEMO_API_KEY or pass --api-key (mint one with 'mnemoctl key mint')")
	}

	c, err := memclient.New(serverURL,
		memclient.WithAPIKey(key),
		memclient.WithTimeout(time.Duration(timeoutSec)*time.Second),
	)
	if err != nil {
		return fmt.Errorf("create mnemo client: %w", err)
	}

	proxy := mcpbridge.NewProxy(os.Stdout, c, logger)

	logger.Printf("mnemo MCP bridge ready — server: %s", serverURL)

	return proxy.Serve(cmd.Context(), os.Stdin)
}
