package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "coordinator URL (e.g. http://host:8080/api)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func printJSON(raw json.RawMessage) error {
	var buf any
	if err := json.Unmarshal(raw, &buf); err != nil {
		_, _ = os.Stdout.Write(raw)
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(buf)
}

func createDevicesCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List known devices and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Devices()
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createScriptsCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List the script catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Scripts()
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createRunningCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "running",
		Short: "List in-flight executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewAPIClient(flags.APIUrl, flags.APITimeout).Running()
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

// StartCmdFlags holds flags for the start command
type StartCmdFlags struct {
	Device  string
	Script  string
	Options string
}

func createStartCommand(flags *ClientFlags) *cobra.Command {
	startFlags := &StartCmdFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a script on a device",
		Long: `Start a script on a device. The device must be available; a busy or
offline device is rejected.

Examples:
  adbfleet start --device=emulator-5554 --script=farm_resources
  adbfleet start --device=R58M123ABC --script=daily_login --options='{"count":3}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var options json.RawMessage
			if startFlags.Options != "" {
				if !json.Valid([]byte(startFlags.Options)) {
					return fmt.Errorf("--options must be valid JSON")
				}
				options = json.RawMessage(startFlags.Options)
			}
			out, err := NewAPIClient(flags.APIUrl, flags.APITimeout).
				StartExecution(startFlags.Device, startFlags.Script, options)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&startFlags.Device, "device", "", "device serial (required)")
	cmd.Flags().StringVar(&startFlags.Script, "script", "", "script id (required)")
	cmd.Flags().StringVar(&startFlags.Options, "options", "", "options JSON passed to the script")
	addClientFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("device"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("script"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopCommand(flags *ClientFlags) *cobra.Command {
	var executionID string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop one execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := NewAPIClient(flags.APIUrl, flags.APITimeout).StopExecution(executionID); err != nil {
				return err
			}
			fmt.Println("stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id (required)")
	addClientFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("execution"); err != nil {
		panic(err)
	}
	return cmd
}

func createStopAllCommand(flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every running execution",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewAPIClient(flags.APIUrl, flags.APITimeout).StopAll()
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

// LogsCmdFlags holds flags for the logs command
type LogsCmdFlags struct {
	Device string
	Limit  int
}

func createLogsCommand(flags *ClientFlags) *cobra.Command {
	logsFlags := &LogsCmdFlags{}
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Fetch recent log lines for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := NewAPIClient(flags.APIUrl, flags.APITimeout).
				Logs(logsFlags.Device, logsFlags.Limit)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	cmd.Flags().StringVar(&logsFlags.Device, "device", "", "device serial (required)")
	cmd.Flags().IntVar(&logsFlags.Limit, "limit", 0, "number of most recent lines (0 = all retained)")
	addClientFlags(cmd, flags)
	if err := cmd.MarkFlagRequired("device"); err != nil {
		panic(err)
	}
	return cmd
}
