package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcsandbox/fcsandbox/pkg/client"
	"github.com/fcsandbox/fcsandbox/pkg/types"
)

var sandboxCmd = &cobra.Command{
	Use:     "sandbox",
	Aliases: []string{"sb"},
	Short:   "Manage sandboxes",
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new sandbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		template, _ := cmd.Flags().GetString("template")
		cpus, _ := cmd.Flags().GetInt("cpus")
		memory, _ := cmd.Flags().GetInt("memory")
		workspace, _ := cmd.Flags().GetString("workspace")

		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sb, err := c.CreateSandbox(ctx, types.SandboxConfig{
			Template:    template,
			VCPUCount:   cpus,
			MemoryMB:    memory,
			WorkspaceID: workspace,
		})
		if err != nil {
			return fmt.Errorf("failed to create sandbox: %w", err)
		}

		fmt.Printf("✓ Sandbox created: %s\n", sb.ID)
		fmt.Printf("  Template:  %s\n", sb.Template)
		fmt.Printf("  Status:    %s\n", sb.Status)
		fmt.Printf("  Workspace: %s\n", sb.WorkspaceID)
		fmt.Printf("  Memory:    %d MiB, vCPUs: %d\n", sb.MemoryMiB, sb.VCPUCount)
		if sb.Token != "" {
			fmt.Printf("  Token:     %s\n", sb.Token)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sandboxes, err := c.ListSandboxes(ctx)
		if err != nil {
			return fmt.Errorf("failed to list sandboxes: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWORKSPACE\tTEMPLATE\tSTATUS\tMEM\tVCPU\tCREATED")
		for _, sb := range sandboxes {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				sb.ID, sb.WorkspaceID, sb.Template, sb.Status,
				sb.MemoryMiB, sb.VCPUCount, sb.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <sandbox-id>",
	Short: "Show a sandbox descriptor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sb, err := c.GetSandbox(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:         %s\n", sb.ID)
		fmt.Printf("Workspace:  %s\n", sb.WorkspaceID)
		fmt.Printf("Template:   %s\n", sb.Template)
		fmt.Printf("Status:     %s\n", sb.Status)
		fmt.Printf("Memory:     %d MiB\n", sb.MemoryMiB)
		fmt.Printf("vCPUs:      %d\n", sb.VCPUCount)
		fmt.Printf("vsock CID:  %d\n", sb.VsockCID)
		fmt.Printf("Created:    %s\n", sb.CreatedAt.Format(time.RFC3339))
		if sb.VmmPid != 0 {
			fmt.Printf("VMM pid:    %d\n", sb.VmmPid)
		}
		return nil
	},
}

var destroyCmd = &cobra.Command{
	Use:     "destroy <sandbox-id>",
	Aliases: []string{"rm"},
	Short:   "Destroy a sandbox",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.DestroySandbox(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to destroy sandbox: %w", err)
		}
		fmt.Printf("✓ Sandbox destroyed: %s\n", args[0])
		return nil
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause <sandbox-id>",
	Short: "Pause a sandbox to a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		if err := c.PauseSandbox(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to pause sandbox: %w", err)
		}
		fmt.Printf("✓ Sandbox paused: %s\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <sandbox-id>",
	Short: "Resume a paused sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		if err := c.ResumeSandbox(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to resume sandbox: %w", err)
		}
		fmt.Printf("✓ Sandbox resumed: %s\n", args[0])
		return nil
	},
}

func init() {
	createCmd.Flags().String("template", "base", "template name")
	createCmd.Flags().Int("cpus", 0, "vCPU count (0 = server default)")
	createCmd.Flags().Int("memory", 0, "memory in MiB (0 = server default)")
	createCmd.Flags().String("workspace", "", "workspace id (defaults to the sandbox id)")

	sandboxCmd.AddCommand(createCmd, listCmd, getCmd, destroyCmd, pauseCmd, resumeCmd)
	rootCmd.AddCommand(sandboxCmd)
}
