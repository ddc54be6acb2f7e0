package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/auditchain/internal/auth"
	"github.com/jmerrifield20/auditchain/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL    string
	cfgFile      string
	adminToken   string
	ingestKey    string
	outputFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "auditctl",
	Short: "Audit ledger CLI",
	Long: `auditctl is the command-line interface for an auditd audit ledger.

It appends events, checks chain integrity, runs repairs and browses the
block history of a running auditd.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.auditctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("AUDITCTL")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if adminToken == "" {
			adminToken = viper.GetString("token")
		}
		if ingestKey == "" {
			ingestKey = viper.GetString("ingest_key")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.auditctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "auditd base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin Bearer token for repair commands")
	rootCmd.PersistentFlags().StringVar(&ingestKey, "ingest-key", "", "ingest key for append")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "Output format: text or json")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(detectCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(blocksCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(actorCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if adminToken != "" {
		opts = append(opts, client.WithBearerToken(adminToken))
	}
	if ingestKey != "" {
		opts = append(opts, client.WithIngestKey(ingestKey))
	}
	return client.New(serverURL, opts...)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendActor    string
	appendEntity   string
	appendEntityID string
	appendPayload  string
)

var appendCmd = &cobra.Command{
	Use:   "append <action>",
	Short: "Append an audit event to the ledger",
	Long: `append records one event as a new block at the tail of the chain.

  auditctl append student.create --actor admin-1 --entity student --payload '{"name":"Ada"}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, err := parsePayload(appendPayload)
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		b, err := c.Append(ctx, client.Event{
			Action:   args[0],
			ActorID:  appendActor,
			Entity:   appendEntity,
			EntityID: appendEntityID,
			Payload:  payload,
		})
		if err != nil {
			return fmt.Errorf("append: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(b)
		}
		fmt.Printf("✓ Block #%d appended\n\n", b.Index)
		fmt.Printf("  Hash:     %s\n", b.Hash)
		fmt.Printf("  PrevHash: %s\n", b.PrevHash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendActor, "actor", "", "ID of the user performing the action")
	appendCmd.Flags().StringVar(&appendEntity, "entity", "", "Entity kind (e.g. student, class)")
	appendCmd.Flags().StringVar(&appendEntityID, "entity-id", "", "ID of the affected record")
	appendCmd.Flags().StringVar(&appendPayload, "payload", "", "JSON payload, or @file to read it from a file")

	_ = appendCmd.MarkFlagRequired("actor")
	_ = appendCmd.MarkFlagRequired("entity")
}

// parsePayload reads an inline or @file JSON payload. An empty string means no payload.
func parsePayload(s string) (json.RawMessage, error) {
	if s == "" {
		return nil, nil
	}
	raw := []byte(s)
	if name, ok := strings.CutPrefix(s, "@"); ok {
		data, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

// ── verify / detect ──────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the whole chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		v, err := c.Verify(ctx)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(v)
		}
		if v.Valid {
			fmt.Printf("✓ Chain verified (%d blocks)\n", v.Checked)
			return nil
		}
		if v.TamperedAt != nil {
			fmt.Printf("✗ Chain TAMPERED at block #%d\n", *v.TamperedAt)
		} else {
			fmt.Println("✗ Chain TAMPERED")
		}
		fmt.Println("Run 'auditctl detect' to list every affected block.")
		return errTampered
	},
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "List every block whose link to its predecessor is broken",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		r, err := c.DetectTampering(ctx)
		if err != nil {
			return fmt.Errorf("detect tampering: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(r)
		}
		if r.Count == 0 {
			fmt.Println("✓ No tampered blocks")
			return nil
		}
		fmt.Printf("✗ %d tampered block(s): %s\n", r.Count, formatIndices(r.Tampered))
		return errTampered
	},
}

// errTampered makes integrity failures visible in the exit status.
var errTampered = errors.New("chain integrity check failed")

func formatIndices(idx []int64) string {
	parts := make([]string, len(idx))
	for i, v := range idx {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ", ")
}

// ── repair ───────────────────────────────────────────────────────────────────

var repairIndex int64

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recompute broken links (admin)",
	Long: `repair recomputes prevHash/hash for every tampered block, or for a
single block with --index. It restores linkage only; rewritten block data
is kept as stored.

An admin token is required (see 'auditctl token').`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminToken == "" {
			return errors.New("repair requires an admin token: use --token or run 'auditctl token'")
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		if cmd.Flags().Changed("index") {
			r, err := c.RepairBlock(ctx, repairIndex)
			if err != nil {
				return fmt.Errorf("repair block %d: %w", repairIndex, err)
			}
			if outputFormat == "json" {
				return printJSON(r)
			}
			return printRepairResults([]client.RepairResult{*r})
		}

		rep, err := c.AutoRepair(ctx)
		if err != nil {
			return fmt.Errorf("auto-repair: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(rep)
		}
		if rep.NothingToRepair {
			fmt.Println("✓ Nothing to repair")
			return nil
		}
		if err := printRepairResults(rep.Results); err != nil {
			return err
		}
		fmt.Printf("\nrepaired %d, failed %d\n", rep.Repaired, rep.Failed)
		if !rep.Verified {
			fmt.Println("✗ Chain still fails verification after repair")
			return errTampered
		}
		fmt.Println("✓ Chain verified after repair")
		return nil
	},
}

func init() {
	repairCmd.Flags().Int64Var(&repairIndex, "index", 0, "Repair a single block instead of every tampered block")
}

func printRepairResults(results []client.RepairResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BLOCK\tSTATUS\tOLD HASH\tNEW HASH\tERROR")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.BlockIndex, r.Status, short(r.OldHash), short(r.NewHash), r.Error)
	}
	return w.Flush()
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

// ── stats ────────────────────────────────────────────────────────────────────

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show chain status and event counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		s, err := c.Stats(ctx)
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(s)
		}
		fmt.Printf("Blocks:        %d\n", s.TotalBlocks)
		fmt.Printf("Chain status:  %s\n", s.ChainStatus)
		if s.TamperedAt != nil {
			fmt.Printf("Tampered at:   #%d\n", *s.TamperedAt)
		}
		fmt.Printf("Last verified: %s\n", s.LastVerifiedAt.Format(time.RFC3339))
		if s.PrevVerifiedAt != nil {
			fmt.Printf("Prev verified: %s\n", s.PrevVerifiedAt.Format(time.RFC3339))
		}
		fmt.Println()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "GROUP\tKEY\tCOUNT")
		for k, n := range s.ByEntity {
			fmt.Fprintf(w, "entity\t%s\t%d\n", k, n)
		}
		for k, n := range s.ByAction {
			fmt.Fprintf(w, "action\t%s\t%d\n", k, n)
		}
		return w.Flush()
	},
}

// ── blocks / block / recent / actor ──────────────────────────────────────────

var listOpts client.ListOptions

var blocksCmd = &cobra.Command{
	Use:   "blocks",
	Short: "List blocks newest first, with optional filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		p, err := c.ListBlocks(ctx, listOpts)
		if err != nil {
			return fmt.Errorf("list blocks: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(p)
		}
		if err := printBlocks(p.Blocks); err != nil {
			return err
		}
		fmt.Printf("\npage %d of %d (%d blocks)\n", p.Page, p.TotalPages, p.Total)
		return nil
	},
}

func init() {
	blocksCmd.Flags().IntVar(&listOpts.Page, "page", 1, "Page number (1-based)")
	blocksCmd.Flags().IntVar(&listOpts.Limit, "limit", 20, "Page size (max 100)")
	blocksCmd.Flags().StringVar(&listOpts.Entity, "entity", "", "Only blocks for this entity kind")
	blocksCmd.Flags().StringVar(&listOpts.Action, "action", "", "Only blocks with this action")
	blocksCmd.Flags().StringVar(&listOpts.Actor, "actor", "", "Only blocks by this actor")
	blocksCmd.Flags().StringVar(&listOpts.Search, "search", "", "Case-insensitive substring of the block data")
}

var blockCmd = &cobra.Command{
	Use:   "block <index>",
	Short: "Show a single block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || idx < 0 {
			return fmt.Errorf("invalid block index %q", args[0])
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		b, err := c.Block(ctx, idx)
		if err != nil {
			if errors.Is(err, client.ErrNotFound) {
				return fmt.Errorf("block #%d does not exist", idx)
			}
			return fmt.Errorf("get block: %w", err)
		}
		return printJSON(b)
	},
}

var recentLimit int

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the most recent blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		blocks, err := c.Recent(ctx, recentLimit)
		if err != nil {
			return fmt.Errorf("recent: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(blocks)
		}
		return printBlocks(blocks)
	},
}

var actorCmd = &cobra.Command{
	Use:   "actor <actor-id>",
	Short: "Show the most recent blocks recorded by one actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		blocks, err := c.ActorActivity(ctx, args[0], recentLimit)
		if err != nil {
			return fmt.Errorf("actor activity: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(blocks)
		}
		return printBlocks(blocks)
	},
}

func init() {
	recentCmd.Flags().IntVar(&recentLimit, "limit", 10, "Number of blocks")
	actorCmd.Flags().IntVar(&recentLimit, "limit", 10, "Number of blocks")
}

func printBlocks(blocks []client.Block) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tTIME\tACTION\tACTOR\tENTITY\tHASH")
	for _, b := range blocks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			b.Index, b.Time().Format(time.RFC3339), b.Data.Action, b.Data.ActorID,
			strings.TrimSuffix(b.Data.Entity+"/"+b.Data.EntityID, "/"), short(b.Hash))
	}
	return w.Flush()
}

// ── token / hash-secret ──────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Exchange the admin secret for a short-lived admin token",
	Long: `token reads the admin secret from stdin and prints a Bearer token.
Save it as 'token' in ~/.auditctl/config.yaml or pass it with --token.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret("Admin secret: ")
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		tok, err := c.AdminToken(ctx, secret)
		if err != nil {
			return fmt.Errorf("admin token: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(tok)
		}
		fmt.Println(tok.AccessToken)
		fmt.Fprintf(os.Stderr, "expires in %s\n", time.Duration(tok.ExpiresIn)*time.Second)
		return nil
	},
}

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret",
	Short: "Print the bcrypt hash of an admin secret for auth.admin_secret_hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := readSecret("Secret to hash: ")
		if err != nil {
			return err
		}
		hash, err := auth.HashSecret(secret)
		if err != nil {
			return err
		}
		fmt.Println(hash)
		return nil
	},
}

func readSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	return secret, nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the auditctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("auditctl %s\n", version)
	},
}
