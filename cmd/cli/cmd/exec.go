package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcsandbox/fcsandbox/pkg/client"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

var execCmd = &cobra.Command{
	Use:   "exec <sandbox-id> <command...>",
	Short: "Execute a shell command in a sandbox",
	Long: `Execute a shell command in a running sandbox and print its output.
The command is evaluated by /bin/sh inside the guest.

Example: fcs exec ab12cd34 ls -la /workspace`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetInt("timeout")
		workingDir, _ := cmd.Flags().GetString("cwd")

		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(timeout+30)*time.Second)
		defer cancel()

		result, err := c.Exec(ctx, args[0], types.ProcessConfig{
			Command:        strings.Join(args[1:], " "),
			TimeoutSeconds: timeout,
			WorkingDir:     workingDir,
		})
		if err != nil {
			return fmt.Errorf("failed to execute command: %w", err)
		}

		if result.Stdout != "" {
			fmt.Print(result.Stdout)
		}
		if result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		}
		if result.Error != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %s\n", result.Error)
		}
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode & 0xff)
		}
		return nil
	},
}

func init() {
	execCmd.Flags().Int("timeout", 300, "guest-side timeout in seconds")
	execCmd.Flags().String("cwd", "", "working directory inside the guest (default /workspace)")
	rootCmd.AddCommand(execCmd)
}
