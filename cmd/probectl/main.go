// Command probectl is an operator CLI over the probe daemon's HTTP façade,
// mirroring muster's cmd/list.go table-output shape (go-pretty/v6) but
// against this repo's own REST endpoints instead of an MCP tool executor.
package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var endpoint string

var rootCmd = &cobra.Command{
	Use:          "probectl",
	Short:        "Control a running Kafka test probe daemon",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "http://localhost:8080", "probe daemon HTTP endpoint")
	rootCmd.AddCommand(submitCmd, startCmd, statusCmd, cancelCmd, queueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a new test and print its testId",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(endpoint).submitTest()
		if err != nil {
			return err
		}
		fmt.Printf("testId: %s\n", resp.TestId)
		if resp.HintMessage != "" {
			fmt.Println(resp.HintMessage)
		}
		return nil
	},
}

var (
	startBucket   string
	startTestType string
)

var startCmd = &cobra.Command{
	Use:   "start <testId>",
	Short: "Start a submitted test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(endpoint).startTest(args[0], startBucket, startTestType)
		if err != nil {
			return err
		}
		fmt.Printf("accepted: %v\n", resp.Accepted)
		return nil
	},
}

func init() {
	startCmd.Flags().StringVar(&startBucket, "bucket", "", "feature bucket to run")
	startCmd.Flags().StringVar(&startTestType, "test-type", "", "test type directive name")
}

var statusCmd = &cobra.Command{
	Use:   "status <testId>",
	Short: "Show a test's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(endpoint).getStatus(args[0])
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"TESTID", "STATE", "SUCCESS", "ERRORKIND"})
		success := "-"
		if resp.Success != nil {
			success = fmt.Sprintf("%v", *resp.Success)
		}
		t.AppendRow(table.Row{resp.TestId, resp.State, success, resp.ErrorKind})
		t.Render()
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <testId>",
	Short: "Cancel a test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(endpoint).cancelTest(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("cancelled: %v\n", resp.Cancelled)
		return nil
	},
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show overall queue status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := newClient(endpoint).queueStatus()
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetStyle(table.StyleRounded)
		t.AppendHeader(table.Row{"STATE", "COUNT"})
		for state, count := range resp.CountsByState {
			t.AppendRow(table.Row{state, count})
		}
		t.Render()

		fmt.Printf("\ntotal: %d\n", resp.TotalTests)
		if resp.CurrentlyTesting != "" {
			fmt.Printf("currently testing: %s\n", resp.CurrentlyTesting)
		}
		return nil
	},
}
