package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/mnemohq/mnemo/pkg/memclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mnemoctl",
	Short: "mnemo owner CLI",
	Long: `mnemoctl is the command-line interface for operating a mnemo account.

It covers the owner surface: provisioning and dropping tenants, granting
and revoking agent consent, working the review queue, minting agent API
keys, and exporting the full memory store.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.mnemo")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.mnemo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "mnemo server URL (default http://localhost:8080)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(consentCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── session persistence ──────────────────────────────────────────────────────

// sessionPath is where login stores the raw session token (mode 0600).
func sessionPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mnemo", "session")
}

func saveSession(token string) error {
	path := sessionPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, []byte(token), 0o600)
}

func loadSession() string {
	data, err := os.ReadFile(sessionPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// ownerClient builds a client carrying the saved owner session.
func ownerClient() (*memclient.Client, error) {
	token := loadSession()
	if token == "" {
		return nil, fmt.Errorf("not logged in — run 'mnemoctl login' first")
	}
	return memclient.New(serverURL, memclient.WithSessionToken(token))
}

// promptLine reads one trimmed line from stdin after printing the prompt.
func promptLine(prompt string) string {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(answer)
}

// ── login / logout ────────────────────────────────────────────────────────────

var (
	loginEmail    string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Start an owner session and store its token in ~/.mnemo/session",
	RunE: func(cmd *cobra.Command, args []string) error {
		email := loginEmail
		if email == "" {
			email = promptLine("Email: ")
		}
		password := loginPassword
		if password == "" {
			password = promptLine("Password: ")
		}

		c, err := memclient.New(serverURL)
		if err != nil {
			return err
		}
		u, err := c.Login(context.Background(), email, password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if err := saveSession(c.Credential()); err != nil {
			return err
		}
		fmt.Printf("✓ Logged in as %s\n", u.Email)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the stored owner session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		if err := c.Logout(context.Background()); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		_ = os.Remove(sessionPath())
		fmt.Println("✓ Logged out")
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email (prompted when omitted)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (prompted when omitted)")
}

// ── tenant ────────────────────────────────────────────────────────────────────

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Provision or drop a memory tenant",
}

var (
	tenantEmail    string
	tenantPassword string
	tenantName     string
	tenantForce    bool
)

var tenantCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account and its memory namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		email := tenantEmail
		if email == "" {
			email = promptLine("Email: ")
		}
		password := tenantPassword
		if password == "" {
			password = promptLine("Password (min 8 chars): ")
		}

		c, err := memclient.New(serverURL)
		if err != nil {
			return err
		}
		u, err := c.Signup(context.Background(), email, password, tenantName)
		if err != nil {
			return fmt.Errorf("signup: %w", err)
		}
		if err := saveSession(c.Credential()); err != nil {
			return err
		}

		fmt.Printf("✓ Tenant provisioned\n\n")
		fmt.Printf("  Tenant ID: %s\n", u.ID)
		fmt.Printf("  Email:     %s\n\n", u.Email)
		fmt.Println("Next: mnemoctl key mint --agent <slug> --name <label> to connect an agent")
		return nil
	},
}

var tenantDropCmd = &cobra.Command{
	Use:   "drop",
	Short: "Delete the account and every memory in its namespace",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		me, err := c.Me(ctx)
		if err != nil {
			return fmt.Errorf("resolve account: %w", err)
		}

		fmt.Printf("\nAccount to drop:\n\n")
		fmt.Printf("  Tenant ID: %s\n", me.ID)
		fmt.Printf("  Email:     %s\n\n", me.Email)

		if !tenantForce {
			answer := promptLine("This deletes every stored memory and cannot be undone. Confirm? [y/N]: ")
			if strings.ToLower(answer) != "y" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		if err := c.DeleteAccount(ctx, me.Email); err != nil {
			return fmt.Errorf("drop tenant: %w", err)
		}
		_ = os.Remove(sessionPath())
		fmt.Println("✓ Tenant dropped")
		return nil
	},
}

func init() {
	tenantCreateCmd.Flags().StringVar(&tenantEmail, "email", "", "Account email (prompted when omitted)")
	tenantCreateCmd.Flags().StringVar(&tenantPassword, "password", "", "Account password (prompted when omitted)")
	tenantCreateCmd.Flags().StringVar(&tenantName, "name", "", "Display name")
	tenantDropCmd.Flags().BoolVar(&tenantForce, "force", false, "Skip the confirmation prompt")

	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantDropCmd)
}

// ── consent ───────────────────────────────────────────────────────────────────

var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Manage per-agent consent rules",
}

var consentListCmd = &cobra.Command{
	Use:   "list [agent]",
	Short: "List consent rules, optionally for one agent",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		agent := ""
		if len(args) == 1 {
			agent = args[0]
		}
		rules, err := c.ConsentList(context.Background(), agent)
		if err != nil {
			return fmt.Errorf("list consent: %w", err)
		}
		if len(rules) == 0 {
			fmt.Println("No consent rules.")
			return nil
		}
		return printRules(rules)
	},
}

var consentGrantCmd = &cobra.Command{
	Use:   "grant <agent> <resource> <read|write|none>",
	Short: "Grant an agent access to a resource",
	Long: `Grant writes one consent rule. Resources follow the rule grammar:

  *                  everything
  profile            the identity profile
  tables/workouts    one structured table
  memories/*         every vector collection

Specificity wins at check time; a "none" rule is an explicit deny that
beats a broader grant.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		rules, err := c.ConsentPatch(context.Background(), args[0], []memclient.RuleInput{
			{Resource: args[1], Permission: args[2]},
		})
		if err != nil {
			return fmt.Errorf("grant: %w", err)
		}
		fmt.Printf("✓ Granted %s on %s to %s\n\n", args[2], args[1], args[0])
		return printRules(rules)
	},
}

var consentRevokeCmd = &cobra.Command{
	Use:   "revoke <agent> <resource>",
	Short: "Revoke an agent's rule for a resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		rules, err := c.ConsentPatch(context.Background(), args[0], []memclient.RuleInput{
			{Resource: args[1], Revoke: true},
		})
		if err != nil {
			return fmt.Errorf("revoke: %w", err)
		}
		fmt.Printf("✓ Revoked %s from %s\n\n", args[1], args[0])
		return printRules(rules)
	},
}

func printRules(rules []*memclient.ConsentRule) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tRESOURCE\tPERMISSION\tUPDATED")
	for _, r := range rules {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.AgentID, r.Resource, r.Permission, r.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func init() {
	consentCmd.AddCommand(consentListCmd)
	consentCmd.AddCommand(consentGrantCmd)
	consentCmd.AddCommand(consentRevokeCmd)
}

// ── review ────────────────────────────────────────────────────────────────────

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the memory review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memories waiting on your judgement",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		items, err := c.ReviewList(context.Background())
		if err != nil {
			return fmt.Errorf("list review queue: %w", err)
		}
		if len(items) == 0 {
			fmt.Println("Review queue is empty.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "META ID\tSOURCE\tORIGIN\tCONFIDENCE\tCONFLICT")
		for _, it := range items {
			conflict := ""
			if it.Contradiction != nil {
				conflict = fmt.Sprintf("%s: %q vs %q",
					it.Contradiction.Field, it.Contradiction.PriorValue, it.Contradiction.NewValue)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\n",
				it.Meta.ID, it.Meta.SourceRef, it.Meta.Origin, it.Meta.Confidence, conflict)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println("\nResolve with: mnemoctl review resolve <meta-id> <confirm|reject|keep_both>")
		return nil
	},
}

var reviewResolveCmd = &cobra.Command{
	Use:   "resolve <meta-id> <confirm|reject|keep_both>",
	Short: "Settle one review item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		metaID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("meta id must be a UUID: %w", err)
		}
		action := args[1]
		switch action {
		case "confirm", "reject", "keep_both":
		default:
			return fmt.Errorf("action must be confirm, reject, or keep_both")
		}

		c, err := ownerClient()
		if err != nil {
			return err
		}
		meta, err := c.ReviewResolve(context.Background(), metaID, action)
		if err != nil {
			return fmt.Errorf("resolve: %w", err)
		}
		fmt.Printf("✓ Resolved %s\n\n", metaID)
		fmt.Printf("  Source:     %s\n", meta.SourceRef)
		fmt.Printf("  Status:     %s\n", meta.Status)
		fmt.Printf("  Confidence: %.2f\n", meta.Confidence)
		return nil
	},
}

func init() {
	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewResolveCmd)
}

// ── key ───────────────────────────────────────────────────────────────────────

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Mint agent API keys",
}

var (
	keyAgent     string
	keyAgentName string
	keyName      string
)

var keyMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint an API key for an agent",
	Long: `Mint creates an agent credential for MCP and REST access.

The raw key is printed exactly once — the server stores only its hash.
Pass it to the agent, e.g.:

  MNEMO_API_KEY=mnm_... mnemo-mcp-stdio --server http://localhost:8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		label := keyName
		if label == "" {
			label = keyAgent + " key"
		}
		raw, meta, err := c.MintAPIKey(context.Background(), keyAgent, keyAgentName, label)
		if err != nil {
			return fmt.Errorf("mint key: %w", err)
		}
		fmt.Printf("✓ Key minted for agent %q\n\n", meta.AgentID)
		fmt.Printf("  %s\n\n", raw)
		fmt.Println("Store it now — it cannot be shown again.")
		return nil
	},
}

func init() {
	keyMintCmd.Flags().StringVar(&keyAgent, "agent", "", "Agent slug the key acts as (e.g. claude-desktop)")
	keyMintCmd.Flags().StringVar(&keyAgentName, "agent-name", "", "Agent display name (defaults to the slug)")
	keyMintCmd.Flags().StringVar(&keyName, "name", "", "Key label shown in the dashboard")
	_ = keyMintCmd.MarkFlagRequired("agent")

	keyCmd.AddCommand(keyMintCmd)
}

// ── export ────────────────────────────────────────────────────────────────────

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Download the full memory store as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := ownerClient()
		if err != nil {
			return err
		}
		bundle, err := c.Export(context.Background())
		if err != nil {
			return fmt.Errorf("export: %w", err)
		}

		var pretty map[string]any
		if err := json.Unmarshal(bundle, &pretty); err != nil {
			return fmt.Errorf("decode export: %w", err)
		}

		out := os.Stdout
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create output file: %w", err)
			}
			defer f.Close()
			out = f
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(pretty); err != nil {
			return err
		}
		if exportOutput != "" {
			fmt.Printf("✓ Export written to %s\n", exportOutput)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOutput, "output", "", "Write the export to a file instead of stdout")
}

// ── version ───────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the mnemoctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mnemoctl %s\n", version)
	},
}
