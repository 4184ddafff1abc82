// Package main is the CLI entry point for oracledrive.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/aurakai/oracledrive/internal/domain"
	"github.com/aurakai/oracledrive/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

// errResultFailed marks a command whose SandboxResult was already printed.
var errResultFailed = errors.New("operation failed")

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errResultFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oracledrive",
	Short: "Sandboxed system modification manager",
	Long: `oracledrive stages file modifications in isolated sandboxes, assesses
their risk, tests them, and only writes them to the real system after an
explicit confirmation code and a final safety check.

Every commit backs up the targets first and rolls back on any failure.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the sandbox system",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

var createCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new sandbox",
	Long: `Creates an empty sandbox. Types: system_modification, ui_theming,
security_testing, performance_tuning, custom_rom.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var stageCmd = &cobra.Command{
	Use:   "stage SANDBOX_ID TARGET",
	Short: "Stage a modification of TARGET inside a sandbox",
	Long: `Records new content for TARGET in the sandbox. The real file is only read,
to capture its current state. Content comes from --content or --from
(use --from - for stdin).`,
	Args: cobra.ExactArgs(2),
	RunE: runStage,
}

var testCmd = &cobra.Command{
	Use:   "test SANDBOX_ID",
	Short: "Validate every modification staged in a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runTest,
}

var commitCmd = &cobra.Command{
	Use:   "commit SANDBOX_ID",
	Short: "Apply a sandbox to the real system",
	Long: `Writes every staged modification to the real file system. Requires the
confirmation code. Targets are backed up first; if any write fails, all
targets are restored.`,
	Args: cobra.ExactArgs(1),
	RunE: runCommit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show SANDBOX_ID",
	Short: "Show a sandbox and its modifications",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var assessCmd = &cobra.Command{
	Use:   "assess TARGET",
	Short: "Report the risk tier a modification of TARGET would get",
	Args:  cobra.ExactArgs(1),
	RunE:  runAssess,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore commits interrupted before they finished",
	Long: `Replays the backup journal: every commit that did not finish cleanly
has its targets restored to their pre-commit state.`,
	Args: cobra.NoArgs,
	RunE: runRecover,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Prints version, commit, and build time. Use --json for machine-readable output.`,
	Run:   runVersion,
}

var (
	configPath  string
	verbose     bool
	sandboxType string
	content     string
	contentFrom string
	description string
	code        string
	jsonOutput  bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log to stderr at debug level")

	createCmd.Flags().StringVarP(&sandboxType, "type", "t", string(domain.TypeSystemModification), "Sandbox type")

	stageCmd.Flags().StringVar(&content, "content", "", "New file content")
	stageCmd.Flags().StringVar(&contentFrom, "from", "", "Read new content from a file (- for stdin)")
	stageCmd.Flags().StringVarP(&description, "description", "d", "", "What the modification does")
	stageCmd.MarkFlagsMutuallyExclusive("content", "from")

	assessCmd.Flags().StringVar(&content, "content", "", "Content to assess")
	assessCmd.Flags().StringVar(&contentFrom, "from", "", "Read content from a file (- for stdin)")
	assessCmd.MarkFlagsMutuallyExclusive("content", "from")

	commitCmd.Flags().StringVar(&code, "code", "", "Confirmation code")
	_ = commitCmd.MarkFlagRequired("code")

	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(assessCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(versionCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		fmt.Printf("Execution mode: %s\n", a.cfg.Mode)
		fmt.Printf("Data directory: %s\n", a.cfg.DataDir)
		return printResult(a.manager.Initialize(ctx))
	})
}

func runCreate(cmd *cobra.Command, args []string) error {
	typ, err := domain.ParseSandboxType(sandboxType)
	if err != nil {
		return err
	}
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		res := m.CreateSandbox(ctx, args[0], typ)
		if err := printResult(res); err != nil {
			return err
		}
		fmt.Printf("Sandbox ID: %s\n", res.SandboxID)
		return nil
	})
}

func runStage(cmd *cobra.Command, args []string) error {
	data, err := readContent(cmd.InOrStdin())
	if err != nil {
		return err
	}
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		return printResult(m.ApplyModification(ctx, args[0], args[1], data, description))
	})
}

func runTest(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		return printResult(m.TestModifications(ctx, args[0]))
	})
}

func runCommit(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		return printResult(m.ApplyToRealSystem(ctx, args[0], code))
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		sandboxes, err := m.ListSandboxes(ctx)
		if err != nil {
			return err
		}

		fmt.Println("\n=== Sandboxes ===")
		if len(sandboxes) == 0 {
			fmt.Println("\nNo sandboxes yet. Run 'oracledrive create NAME' to make one.")
		}
		for _, sb := range sandboxes {
			fmt.Printf("\n[%s] %s\n", sb.ID, sb.Name)
			fmt.Printf("  Type: %s\n", sb.Type)
			fmt.Printf("  Created: %s\n", sb.CreatedAt.Format(time.RFC3339))
			fmt.Printf("  Modifications: %d\n", len(sb.Modifications))
			fmt.Printf("  Safety: %s\n", sb.SafetyLevel())
		}
		fmt.Println("\n=================")
		return nil
	})
}

func runShow(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		sb, ok, err := m.FindSandbox(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, args[0])
		}

		fmt.Printf("\n=== Sandbox %s ===\n", sb.Name)
		fmt.Printf("ID: %s\n", sb.ID)
		fmt.Printf("Type: %s\n", sb.Type)
		fmt.Printf("Created: %s\n", sb.CreatedAt.Format(time.RFC3339))
		fmt.Printf("Safety: %s\n", sb.SafetyLevel())
		fmt.Println("\nModifications:")
		if len(sb.Modifications) == 0 {
			fmt.Println("  (none)")
		}
		for i, mod := range sb.Modifications {
			fmt.Printf("\n  %d. %s\n", i+1, mod.TargetFile)
			if mod.Description != "" {
				fmt.Printf("     Description: %s\n", mod.Description)
			}
			fmt.Printf("     Risk: %s\n", mod.RiskLevel)
			if mod.Original.Exists {
				fmt.Printf("     Original: %d bytes (mode %s)\n", len(mod.Original.Data), mod.Original.Mode)
			} else {
				fmt.Println("     Original: file does not exist")
			}
			fmt.Printf("     New content: %d bytes\n", len(mod.ModifiedContent))
		}
		fmt.Println("==========================")
		return nil
	})
}

func runAssess(cmd *cobra.Command, args []string) error {
	data, err := readContent(cmd.InOrStdin())
	if err != nil {
		return err
	}
	return withApp(func(ctx context.Context, a *app) error {
		assessment := a.manager.Assess(args[0], data)
		fmt.Printf("Risk: %s\n", assessment.Level)
		fmt.Printf("Rule: %s\n", assessment.Rule)
		if assessment.Detail != "" {
			fmt.Printf("Matched: %s\n", assessment.Detail)
		}
		fmt.Printf("Safety: %s\n", domain.SafetyFor(assessment.Level))
		return nil
	})
}

func runRecover(cmd *cobra.Command, args []string) error {
	return withManager(func(ctx context.Context, m *usecase.Manager) error {
		return printResult(m.Recover(ctx))
	})
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("oracledrive %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// readContent returns the --content value or the bytes named by --from.
func readContent(stdin io.Reader) ([]byte, error) {
	switch contentFrom {
	case "":
		return []byte(content), nil
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	default:
		data, err := os.ReadFile(contentFrom)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", contentFrom, err)
		}
		return data, nil
	}
}

// printResult renders a SandboxResult and returns errResultFailed when it
// did not succeed.
func printResult(res *domain.SandboxResult) error {
	w := os.Stdout
	if !res.Success {
		w = os.Stderr
	}
	fmt.Fprintln(w, res.Message)
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	if !res.Success {
		return errResultFailed
	}
	return nil
}
