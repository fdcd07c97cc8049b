package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/lockin/internal/config"
	"github.com/kalambet/lockin/internal/pipeline"
	"github.com/kalambet/lockin/internal/policy"
	"github.com/kalambet/lockin/internal/storage"
)

// --- classify / strike / allow ---

var classifyCmd = &cobra.Command{
	Use:   "classify <url>",
	Short: "Classify a page without applying any action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/classify", pipeline.Navigation{URL: args[0], Title: title})
		if err != nil {
			return err
		}

		var result struct {
			Decision pipeline.Decision `json:"decision"`
			Action   pipeline.Action   `json:"action"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		writeDecision(cmd.OutOrStdout(), result.Decision, result.Action)
		return nil
	},
}

var strikeCmd = &cobra.Command{
	Use:   "strike <url>",
	Short: "Flag a page as distracting",
	Long: `Flag a page as distracting.

Each strike is counted against the page's domain and teaches lockin the page's
path and keywords. Reaching the strike limit blacklists the domain.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/strike", pipeline.Navigation{URL: args[0], Title: title})
		if err != nil {
			return err
		}

		var result pipeline.StrikeResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Action == pipeline.ActionRedirect {
			printWarning("%s is now blacklisted", result.Domain)
		} else {
			printSuccess("Strike %d recorded for %s", result.StrikeCount, result.Domain)
		}
		writeDecision(cmd.OutOrStdout(), result.Decision, result.Action)
		return nil
	},
}

var allowCmd = &cobra.Command{
	Use:   "allow <url>",
	Short: "Allow a page permanently, or for --minutes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, _ := cmd.Flags().GetInt("minutes")
		if minutes < 0 {
			return fmt.Errorf("--minutes must not be negative")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		if minutes == 0 {
			resp, err := client.post(cmd.Context(), "/v1/allow/permanent", map[string]any{"url": args[0]})
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Permanently allowed %s", args[0])
			return nil
		}

		resp, err := client.post(cmd.Context(), "/v1/allow/temporary", map[string]any{"url": args[0], "minutes": minutes})
		if err != nil {
			return err
		}
		var result struct {
			ExpiresAt time.Time `json:"expiresAt"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Allowed %s until %s", args[0], result.ExpiresAt.Local().Format("15:04"))
		return nil
	},
}

var allowListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the permanent and active temporary allowances",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/allow")
		if err != nil {
			return err
		}
		var lists pipeline.AllowLists
		if err := decodeJSON(resp, &lists); err != nil {
			return err
		}
		if len(lists.Permanent) == 0 && len(lists.Temporary) == 0 {
			printStep("No allowances")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, key := range lists.Permanent {
			fmt.Fprintf(tw, "%s\t%s\n", key, render(mutedStyle, "permanent"))
		}
		for _, e := range lists.Temporary {
			fmt.Fprintf(tw, "%s\t%s\n", e.URLKey, render(mutedStyle, "until "+e.ExpiresAt.Local().Format(time.DateTime)))
		}
		return tw.Flush()
	},
}

var allowRevokeCmd = &cobra.Command{
	Use:   "revoke <url>",
	Short: "Remove a permanent allowance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.do(cmd.Context(), http.MethodDelete, "/v1/allow/permanent", map[string]any{"url": args[0]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Revoked allowance for %s", args[0])
		return nil
	},
}

func init() {
	classifyCmd.Flags().String("title", "", "page title")
	strikeCmd.Flags().String("title", "", "page title")
	allowCmd.Flags().Int("minutes", 0, "temporary allowance in minutes (0 = permanent)")
	allowCmd.AddCommand(allowListCmd, allowRevokeCmd)
}

func writeDecision(w io.Writer, d pipeline.Decision, action pipeline.Action) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "classification\t%s\n", renderLabel(string(d.Classification)))
	fmt.Fprintf(tw, "source\t%s\n", d.Source)
	fmt.Fprintf(tw, "block\t%s\n", d.BlockType)
	fmt.Fprintf(tw, "action\t%s\n", action)
	if d.StrikeCount > 0 {
		fmt.Fprintf(tw, "strikes\t%d\n", d.StrikeCount)
	}
	if d.Reason != "" {
		fmt.Fprintf(tw, "reason\t%s\n", d.Reason)
	}
	tw.Flush()
}

// --- blacklist ---

var blacklistCmd = &cobra.Command{
	Use:   "blacklist",
	Short: "List or edit hard-blocked domains",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/blacklist")
		if err != nil {
			return err
		}
		var result struct {
			Blacklist []string `json:"blacklist"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Blacklist) == 0 {
			printStep("Blacklist is empty")
			return nil
		}
		for _, d := range result.Blacklist {
			fmt.Fprintln(cmd.OutOrStdout(), d)
		}
		return nil
	},
}

var blacklistAddCmd = &cobra.Command{
	Use:   "add <domain>",
	Short: "Hard-block a domain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/blacklist", map[string]string{"domain": args[0]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Blacklisted %s", args[0])
		return nil
	},
}

var blacklistRemoveCmd = &cobra.Command{
	Use:     "remove <domain>",
	Aliases: []string{"rm"},
	Short:   "Remove a domain from the blacklist",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/blacklist/"+escapeDomain(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Removed %s from the blacklist", args[0])
		return nil
	},
}

func init() {
	blacklistCmd.AddCommand(blacklistAddCmd)
	blacklistCmd.AddCommand(blacklistRemoveCmd)
}

// escapeDomain escapes each slash-separated part so entries such as
// "youtube.com/shorts" keep their path.
func escapeDomain(domain string) string {
	parts := strings.Split(domain, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

// --- strikes / patterns ---

var strikesCmd = &cobra.Command{
	Use:   "strikes",
	Short: "Show strike counts per domain",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/strikes")
		if err != nil {
			return err
		}
		var result struct {
			Strikes map[string]int `json:"strikes"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if len(result.Strikes) == 0 {
			printStep("No strikes recorded")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, domain := range sortedKeys(result.Strikes) {
			fmt.Fprintf(tw, "%s\t%d\n", domain, result.Strikes[domain])
		}
		return tw.Flush()
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Show learned strike patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/patterns")
		if err != nil {
			return err
		}
		var result struct {
			Patterns []policy.StrikePattern `json:"patterns"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result.Patterns)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, p := range result.Patterns {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Domain, p.PathPrefix,
				strings.Join(p.Keywords, ","), render(mutedStyle, p.LastSeenAt.Local().Format(time.DateTime)))
		}
		return tw.Flush()
	},
}

func init() {
	patternsCmd.Flags().Bool("json", false, "print patterns as JSON")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- monitor ---

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Show whether navigation monitoring is on",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/monitoring")
		if err != nil {
			return err
		}
		var result struct {
			Monitoring bool `json:"monitoring"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printStatus("Monitoring", "%s", onOff(result.Monitoring))
		return nil
	},
}

func monitorSetCmd(use string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: fmt.Sprintf("Turn navigation monitoring %s", onOff(enabled)),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			resp, err := client.post(cmd.Context(), "/v1/monitoring/"+use, nil)
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Monitoring %s", onOff(enabled))
			return nil
		},
	}
}

func init() {
	monitorCmd.AddCommand(monitorSetCmd("start", true))
	monitorCmd.AddCommand(monitorSetCmd("stop", false))
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// --- decisions ---

var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent classification decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), fmt.Sprintf("/v1/decisions?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return err
		}
		var records []storage.DecisionRecord
		if err := decodeJSON(resp, &records); err != nil {
			return err
		}
		if len(records) == 0 {
			printStep("No decisions recorded")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.CreatedAt.Local().Format(time.DateTime), renderLabel(r.Classification), r.Source, r.BlockType, r.URL)
		}
		return tw.Flush()
	},
}

var decisionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one recorded decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/decisions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var r storage.DecisionRecord
		if err := decodeJSON(resp, &r); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", render(labelStyle, "ID:"), r.ID)
		fmt.Fprintf(out, "%s %s\n", render(labelStyle, "Time:"), r.CreatedAt.Local().Format(time.DateTime))
		fmt.Fprintf(out, "%s %s\n", render(labelStyle, "URL:"), r.URL)
		fmt.Fprintf(out, "%s %s\n", render(labelStyle, "Classification:"), renderLabel(r.Classification))
		fmt.Fprintf(out, "%s %s\n", render(labelStyle, "Source:"), r.Source)
		fmt.Fprintf(out, "%s %s\n", render(labelStyle, "Block:"), r.BlockType)
		if r.StrikeCount > 0 {
			fmt.Fprintf(out, "%s %d\n", render(labelStyle, "Strikes:"), r.StrikeCount)
		}
		return nil
	},
}

var decisionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete the decision history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete the whole decision history. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/v1/decisions")
		if err != nil {
			return err
		}
		var result struct {
			Deleted int `json:"deleted"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %d decisions", result.Deleted)
		return nil
	},
}

func init() {
	decisionsCmd.Flags().Int("limit", 20, "maximum number of decisions to show")
	decisionsCmd.Flags().Int("offset", 0, "number of decisions to skip")
	decisionsPurgeCmd.Flags().Bool("confirm", false, "confirm the purge")
	decisionsCmd.AddCommand(decisionsShowCmd, decisionsPurgeCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s %s\n",
				render(labelStyle, k.Key), k.Value, render(mutedStyle, "("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSecretCmd = &cobra.Command{
	Use:   "secret <value>",
	Short: "Store the classifier shared secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := config.SetSharedSecret(config.NewSecretStore(cfg.Storage.DataDir), args[0]); err != nil {
			return err
		}
		printSuccess("Stored classifier shared secret")
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSecretCmd)
}
