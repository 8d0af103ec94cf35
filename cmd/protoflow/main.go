// Package main provides the protoflow CLI: publish and validate protocols,
// run and resume executions, inspect runs, and drive the self-repair loop.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matterdesk/protoflow/pkg/diagram"
	"github.com/matterdesk/protoflow/pkg/executors"
	"github.com/matterdesk/protoflow/pkg/hydrate"
	"github.com/matterdesk/protoflow/pkg/llm"
	"github.com/matterdesk/protoflow/pkg/repair"
	"github.com/matterdesk/protoflow/pkg/runtime"
	"github.com/matterdesk/protoflow/pkg/schema"
	"github.com/matterdesk/protoflow/pkg/store"
	"github.com/matterdesk/protoflow/pkg/tools"
)

// Set at build time via ldflags.
var version = "dev"

var (
	storeDir   string
	mcpServers []string
)

func main() {
	loadDotEnv()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadDotEnv reads a .env file from the working directory and sets any
// variables that aren't already set in the environment. Lines are KEY=VALUE;
// comments (#) and blanks are skipped.
func loadDotEnv() {
	f, err := os.Open(".env")
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

var rootCmd = &cobra.Command{
	Use:   "protoflow",
	Short: "Protocol runtime engine",
	Long:  "protoflow — a state-machine engine for declarative, versioned protocols of typed steps, with pause/resume, tracing, and out-of-band self-repair.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDir, "store", store.DefaultBaseDir, "artifact directory for protocols, executions, and error logs")
	rootCmd.PersistentFlags().StringArrayVar(&mcpServers, "mcp", nil, "MCP tool server to spawn, as name=command [args...] (repeatable)")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(traceCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(reviewsCmd)
	rootCmd.AddCommand(diagramCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(versionCmd)
}

// openStore opens the filesystem store behind every command.
func openStore() (*store.FS, error) {
	return store.New(storeDir)
}

// buildEngine assembles the engine with whatever collaborators the
// environment provides. A missing LLM configuration is not fatal: protocols
// without llm_call steps still run.
func buildEngine(ctx context.Context, fs *store.FS) (*runtime.Engine, func(), error) {
	reg := tools.NewRegistry()
	var procs []*tools.MCPProcess

	for _, spec := range mcpServers {
		name, command, found := strings.Cut(spec, "=")
		if !found {
			return nil, nil, fmt.Errorf("invalid --mcp %q: expected name=command [args...]", spec)
		}
		argv := strings.Fields(command)
		if len(argv) == 0 {
			return nil, nil, fmt.Errorf("invalid --mcp %q: empty command", spec)
		}
		proc, err := tools.SpawnMCP(ctx, argv[0], argv[1:], 10*time.Second)
		if err != nil {
			return nil, nil, fmt.Errorf("spawn MCP server %q: %w", name, err)
		}
		proc.RegisterAll(reg, name)
		procs = append(procs, proc)
	}
	cleanup := func() {
		for _, p := range procs {
			p.Shutdown(2 * time.Second)
		}
	}

	var client llm.Client
	if os.Getenv("PROTOFLOW_LLM_ENDPOINT") != "" {
		c, err := llm.NewOpenAIClientFromEnv()
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		client = c
	}

	engine := runtime.NewEngine(fs, fs, hydrate.NewSourceHydrator(reg), executors.NewDispatcher(client, reg))
	return engine, cleanup, nil
}

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [protocol.yaml]",
	Short: "Validate a protocol YAML file against the schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	p, errs := schema.ValidateFile(args[0])
	if len(errs) > 0 {
		fmt.Fprintf(os.Stderr, "Validation failed: %d error(s)\n\n", len(errs))
		for i, e := range errs {
			fmt.Fprintf(os.Stderr, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(os.Stderr, "     at: %s\n", e.Path)
			}
		}
		return fmt.Errorf("validation failed with %d error(s)", len(errs))
	}
	fmt.Printf("✓ %s v%d is valid (%d steps)\n", p.Metadata.Name, p.Metadata.Version, len(p.Steps))
	return nil
}

// --- publish ---

var publishCmd = &cobra.Command{
	Use:   "publish [protocol.yaml]",
	Short: "Validate and publish a protocol version to the store",
	Args:  cobra.ExactArgs(1),
	RunE:  runPublish,
}

func runPublish(cmd *cobra.Command, args []string) error {
	p, errs := schema.ValidateFile(args[0])
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
		}
		return fmt.Errorf("validation failed with %d error(s)", len(errs))
	}

	fs, err := openStore()
	if err != nil {
		return err
	}
	if err := fs.Publish(cmd.Context(), p); err != nil {
		return err
	}
	fmt.Printf("✓ Published %s v%d\n", p.Metadata.Name, p.Metadata.Version)
	return nil
}

// --- run ---

var (
	runInputs      []string
	runInputsJSON  string
	runVersion     int
	runWorkspaceID string
)

var runCmd = &cobra.Command{
	Use:   "run [protocol-name]",
	Short: "Execute a published protocol",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runInputs, "input", nil, "input value as key=value (repeatable)")
	runCmd.Flags().StringVar(&runInputsJSON, "inputs-json", "", "input values as a JSON object")
	runCmd.Flags().IntVar(&runVersion, "version", 0, "protocol version (default: latest)")
	runCmd.Flags().StringVar(&runWorkspaceID, "workspace", "", "workspace the run belongs to")
}

func runRun(cmd *cobra.Command, args []string) error {
	inputs := map[string]any{}
	if runInputsJSON != "" {
		if err := json.Unmarshal([]byte(runInputsJSON), &inputs); err != nil {
			return fmt.Errorf("parse --inputs-json: %w", err)
		}
	}
	for _, kv := range runInputs {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("invalid --input %q: expected key=value", kv)
		}
		inputs[k] = v
	}

	fs, err := openStore()
	if err != nil {
		return err
	}
	engine, cleanup, err := buildEngine(cmd.Context(), fs)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := engine.Execute(cmd.Context(), runtime.ExecutionRequest{
		ProtocolName: args[0],
		Version:      runVersion,
		WorkspaceID:  runWorkspaceID,
		Inputs:       inputs,
		Trigger:      runtime.TriggerManual,
	})
	if err != nil {
		return err
	}

	if rec.Status == runtime.StatusFailed {
		logRepairCandidate(fs, rec)
		return fmt.Errorf("execution %s failed: %s", rec.ExecutionID, rec.Error)
	}
	return nil
}

// logRepairCandidate records the failure in the error log so `protoflow
// repair` can pick it up later. Best-effort.
func logRepairCandidate(fs *store.FS, rec *runtime.ExecutionRecord) {
	controller := repair.NewController(fs, fs, fs.Reviews(), nil)
	entry, err := controller.LogFailure(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⊘ log failure: %v\n", err)
		return
	}
	fmt.Fprintf(os.Stderr, "  Error logged as %s (%s)\n", entry.ErrorID, entry.ErrorClass)
	fmt.Fprintf(os.Stderr, "  Diagnose with: protoflow repair %s\n", entry.ErrorID)
}

// --- resume ---

var (
	resumeApprove bool
	resumeReject  bool
	resumeNotes   string
	resumeAs      string
)

var resumeCmd = &cobra.Command{
	Use:   "resume [execution-id]",
	Short: "Resume a paused execution with a review decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	resumeCmd.Flags().BoolVar(&resumeApprove, "approve", false, "approve the pending review")
	resumeCmd.Flags().BoolVar(&resumeReject, "reject", false, "reject the pending review")
	resumeCmd.Flags().StringVar(&resumeNotes, "notes", "", "reviewer notes")
	resumeCmd.Flags().StringVar(&resumeAs, "as", "", "reviewer identity")
}

func runResume(cmd *cobra.Command, args []string) error {
	if resumeApprove == resumeReject {
		return fmt.Errorf("exactly one of --approve or --reject is required")
	}

	fs, err := openStore()
	if err != nil {
		return err
	}
	engine, cleanup, err := buildEngine(cmd.Context(), fs)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := engine.Resume(cmd.Context(), args[0], runtime.ReviewDecision{
		Approved:   resumeApprove,
		Notes:      resumeNotes,
		ReviewedBy: resumeAs,
	})
	if err != nil {
		return err
	}
	if rec.Status == runtime.StatusFailed {
		logRepairCandidate(fs, rec)
		return fmt.Errorf("execution %s failed: %s", rec.ExecutionID, rec.Error)
	}
	return nil
}

// --- list / show / trace ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openStore()
		if err != nil {
			return err
		}
		recs, err := fs.List()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No executions.")
			return nil
		}
		for _, rec := range recs {
			line := fmt.Sprintf("%s  %-9s  %s v%d", rec.ExecutionID, rec.Status, rec.ProtocolName, rec.ProtocolVersion)
			if rec.Status == runtime.StatusPaused {
				line += fmt.Sprintf("  (awaiting review at %s)", rec.CurrentStep)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show [execution-id]",
	Short: "Show one execution record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openStore()
		if err != nil {
			return err
		}
		rec, err := fs.Load(args[0])
		if err != nil {
			return err
		}
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var traceCmd = &cobra.Command{
	Use:   "trace [execution-id]",
	Short: "Print an execution's trace events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openStore()
		if err != nil {
			return err
		}
		events, err := fs.Trace(args[0])
		if err != nil {
			return err
		}
		for _, ev := range events {
			line := fmt.Sprintf("%s  %-22s", ev.Time.Format(time.RFC3339), ev.Event)
			if ev.StepID != "" {
				line += "  " + ev.StepID
			}
			if ev.Error != "" {
				line += "  " + ev.Error
			}
			fmt.Println(line)
		}
		return nil
	},
}

// --- repair / reviews ---

var repairCmd = &cobra.Command{
	Use:   "repair [error-id]",
	Short: "Diagnose a logged failure: patch the protocol or escalate",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepair,
}

func runRepair(cmd *cobra.Command, args []string) error {
	fs, err := openStore()
	if err != nil {
		return err
	}
	engine, cleanup, err := buildEngine(cmd.Context(), fs)
	if err != nil {
		return err
	}
	defer cleanup()

	controller := repair.NewController(fs, fs, fs.Reviews(), engine)
	outcome, err := controller.Repair(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	switch outcome.State {
	case repair.StatePatched:
		fmt.Printf("✓ Patched: published new protocol version v%d\n", outcome.PatchVersion)
		if outcome.Diagnosis != "" {
			fmt.Printf("  Diagnosis: %s\n", outcome.Diagnosis)
		}
	case repair.StateEscalated:
		fmt.Printf("⚠ Escalated to human review: %s\n", outcome.Reason)
		if outcome.ReviewTask != nil {
			fmt.Printf("  Review task: %s\n", outcome.ReviewTask.TaskID)
		}
	default:
		fmt.Printf("Repair ended in state %s\n", outcome.State)
	}
	return nil
}

var reviewsCmd = &cobra.Command{
	Use:   "reviews",
	Short: "List escalation review tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fs, err := openStore()
		if err != nil {
			return err
		}
		tasks, err := fs.Reviews().List()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No review tasks.")
			return nil
		}
		for _, task := range tasks {
			fmt.Printf("%s  %s\n", task.TaskID, task.Title)
			if task.Details != "" {
				fmt.Printf("    %s\n", strings.ReplaceAll(task.Details, "\n", "\n    "))
			}
		}
		return nil
	},
}

// --- diagram / schema / version ---

var diagramFormat string

var diagramCmd = &cobra.Command{
	Use:   "diagram [protocol.yaml]",
	Short: "Render a protocol's step graph (mermaid or ascii)",
	Args:  cobra.ExactArgs(1),
	RunE:  runDiagram,
}

func init() {
	diagramCmd.Flags().StringVar(&diagramFormat, "format", "mermaid", "diagram format: mermaid or ascii")
}

func runDiagram(cmd *cobra.Command, args []string) error {
	p, errs := schema.ValidateFile(args[0])
	if len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
		}
		return fmt.Errorf("validation failed with %d error(s)", len(errs))
	}
	out, err := diagram.Generate(p, diagram.Format(diagramFormat))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the protocol JSON Schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := schema.GenerateJSONSchema()
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the protoflow version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("protoflow %s\n", version)
	},
}
