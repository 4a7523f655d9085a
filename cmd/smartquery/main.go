package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"smartquery/internal/types"
)

var (
	// Global flags
	configPath string
	debugMode  bool

	// autoConfirm skips the interactive confirmation in `plan`.
	autoConfirm bool
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "smartquery",
	Short: "smartquery - natural language over a typed entity store",
	Long: `smartquery interprets natural-language questions and instructions
against a typed entity/facet/relation store.

Questions become validated structured queries; instructions become operations
from a fixed registry. Multi-step changes run as plan sessions that stream
their progress, wait for confirmation, and roll back on failure.`,
	SilenceUsage: true,
}

// serveCmd runs the HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, debugMode)
		if err != nil {
			return err
		}
		defer app.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		fmt.Fprintf(os.Stderr, "smartquery listening on %s\n", app.cfg.Server.Addr)
		return app.server.Run(ctx, app.cfg.Server.Addr)
	},
}

// askCmd answers one question and prints the result as JSON.
var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about the stored data",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, debugMode)
		if err != nil {
			return err
		}
		defer app.Close()

		resp, err := app.reader.Interpret(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

// doCmd executes one write instruction immediately.
var doCmd = &cobra.Command{
	Use:   "do <instruction>",
	Short: "Apply a change to the stored data",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, debugMode)
		if err != nil {
			return err
		}
		defer app.Close()

		resp, err := app.writer.Interpret(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, r := range resp.Operations {
			line := fmt.Sprintf("%-8s %s", r.Status, r.Operation.Name)
			if r.Error != nil {
				line += "  (" + r.Error.Message + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

// planCmd stages a multi-step change, streams its events, and asks for
// confirmation before anything executes.
var planCmd = &cobra.Command{
	Use:   "plan <instruction>",
	Short: "Stage a multi-step change behind a confirmation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := buildApp(configPath, debugMode)
		if err != nil {
			return err
		}
		defer app.Close()

		session := app.plans.Start(strings.Join(args, " "))
		replay, live, cancel := session.Attach(0)
		defer cancel()

		for _, ev := range replay {
			if err := handlePlanEvent(session, ev); err != nil {
				return err
			}
		}
		for ev := range live {
			if err := handlePlanEvent(session, ev); err != nil {
				return err
			}
		}

		manifest := session.Manifest()
		if manifest == nil {
			return fmt.Errorf("session ended without a manifest")
		}
		fmt.Printf("outcome: %s\n", manifest.Outcome)
		if len(manifest.RolledBack) > 0 {
			fmt.Printf("rolled back: %s\n", strings.Join(manifest.RolledBack, ", "))
		}
		if len(manifest.Irreversible) > 0 {
			fmt.Printf("irreversible: %s\n", strings.Join(manifest.Irreversible, ", "))
		}
		if manifest.Outcome != "completed" {
			if manifest.Reason != "" {
				fmt.Printf("reason: %s\n", manifest.Reason)
			}
			os.Exit(1)
		}
		return nil
	},
}

func handlePlanEvent(session planSession, ev types.Event) error {
	switch ev.Type {
	case types.EventStepProposed:
		fmt.Printf("  [%d] %s\n", ev.Step.Index+1, ev.Step.Operation.Name)
	case types.EventPlanReady:
		if autoConfirm || promptYes() {
			return session.Confirm()
		}
		return session.Cancel()
	case types.EventStepStatusChanged:
		fmt.Printf("  [%d] %s -> %s\n", ev.Step.Index+1, ev.Step.Operation.Name, ev.Step.Status)
	case types.EventRolledBack:
		fmt.Printf("  [%d] %s rolled back\n", ev.Step.Index+1, ev.Step.Operation.Name)
	}
	return nil
}

// planSession is the slice of the session API the CLI needs.
type planSession interface {
	Confirm() error
	Cancel() error
}

func promptYes() bool {
	fmt.Print("apply this plan? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "smartquery.yaml", "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "d", false, "enable debug logging")
	planCmd.Flags().BoolVarP(&autoConfirm, "yes", "y", false, "confirm the plan without prompting")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(doCmd)
	rootCmd.AddCommand(planCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
