package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"taskpilot/internal/classifier"
	"taskpilot/internal/memory"
	"taskpilot/internal/models"
	"taskpilot/internal/registry"
	"taskpilot/pkg/auth"
)

func init() {
	rootCmd.PersistentFlags().String("tiers", "", "Model tiers YAML file (default: built-in registry)")

	classifyCmd.Flags().StringP("mode", "m", "cost", "Classification mode (cost, accuracy, hybrid)")
	classifyCmd.Flags().StringP("force", "f", "", "Force a model tier")
	classifyCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	chunkCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	tokenCmd.Flags().StringP("role", "r", "user", "Role claim")
	tokenCmd.Flags().Duration("expiry", time.Hour, "Token lifetime")

	rootCmd.AddCommand(
		classifyCmd,
		chunkCmd,
		keywordsCmd,
		tiersCmd,
		tokenCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:           "taskpilot",
	Short:         "TaskPilot routing and memory tools",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func loadRegistry(cmd *cobra.Command) (*registry.Registry, error) {
	path, _ := cmd.Flags().GetString("tiers")
	if path == "" {
		return registry.Default(), nil
	}
	reg, err := registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiers: %w", err)
	}
	return reg, nil
}

var classifyCmd = &cobra.Command{
	Use:   "classify <request text>",
	Short: "Classify a request",
	Long:  "Classify a request offline. Without provider credentials model-assisted modes degrade to pattern scoring.",
	Example: `
# Pattern classification
taskpilot classify "Write a function that validates invoice totals"

# JSON output in hybrid mode
taskpilot classify -m hybrid -j "Summarize yesterday's standup"
`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		force, _ := cmd.Flags().GetString("force")
		asJSON, _ := cmd.Flags().GetBool("json")

		reg, err := loadRegistry(cmd)
		if err != nil {
			return err
		}

		cls := classifier.NewClassifier(reg, nil, classifier.StaticMode(models.ParseClassificationMode(mode)), 0)
		result := cls.Classify(cmd.Context(), classifier.Input{
			Text:       strings.Join(args, " "),
			ForceModel: force,
		})

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		fmt.Fprintf(out, "Task type:   %s\n", result.TaskType)
		fmt.Fprintf(out, "Code:        %d%%\n", result.CodePercentage)
		fmt.Fprintf(out, "Model:       %s (fallback %s)\n", result.RecommendedModel, result.FallbackModel)
		fmt.Fprintf(out, "Confidence:  %.2f\n", result.Confidence)
		fmt.Fprintf(out, "Method:      %s\n", result.Method)
		fmt.Fprintf(out, "Reasoning:   %s\n", result.Reasoning)
		return nil
	},
}

var chunkCmd = &cobra.Command{
	Use:   "chunk <file.md>",
	Short: "Split a memory document into chunks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read document: %w", err)
		}

		sections := memory.Chunk(string(data))
		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(sections)
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLINES\tTOKENS\tIMPORTANCE\tKEYWORDS")
		for _, s := range sections {
			fmt.Fprintf(w, "%s\t%d-%d\t%d\t%.1f\t%s\n",
				s.ID, s.StartLine, s.EndLine, s.TokenCount, s.Importance, strings.Join(s.Keywords, ","))
		}
		return w.Flush()
	},
}

var keywordsCmd = &cobra.Command{
	Use:   "keywords <request text>",
	Short: "Show the search keywords extracted from a request for more context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keywords := memory.ExtractRequestKeywords(strings.Join(args, " "))
		if len(keywords) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No keywords found.")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(keywords, "\n"))
		return nil
	},
}

var tiersCmd = &cobra.Command{
	Use:   "tiers",
	Short: "List model tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cmd)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tPROVIDER\tIN $/1K\tOUT $/1K\tMAX OUT\tCODE\tFALLBACK")
		for _, t := range reg.List() {
			fmt.Fprintf(w, "%s\t%s\t%.5f\t%.5f\t%d\t%t\t%s\n",
				t.ID, t.Provider, t.CostPer1KInput, t.CostPer1KOutput, t.MaxOutputTokens, t.SupportsCode, reg.FallbackFor(t.ID))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nroles: code=%s reasoning=%s classifier=%s\n",
			reg.CodeTier(), reg.ReasoningTier(), reg.ClassifierTier())
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id> <org-id>",
	Short: "Mint an access token signed with JWT_SECRET",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, _ := cmd.Flags().GetString("role")
		expiry, _ := cmd.Flags().GetDuration("expiry")

		jwtAuth, err := auth.NewLocalJWTAuth(os.Getenv("JWT_SECRET"), expiry)
		if err != nil {
			return err
		}
		token, err := jwtAuth.GenerateAccessToken(args[0], args[1], role)
		if err != nil {
			return fmt.Errorf("failed to generate token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
