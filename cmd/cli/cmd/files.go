package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fcsandbox/fcsandbox/pkg/client"
)

var filesCmd = &cobra.Command{
	Use:     "files",
	Aliases: []string{"fs"},
	Short:   "Transfer and inspect files in a sandbox",
}

var readCmd = &cobra.Command{
	Use:   "read <sandbox-id> <path>",
	Short: "Print a sandbox file to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		data, err := c.ReadFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <sandbox-id> <path> [local-file]",
	Short: "Write a file into a sandbox (from a local file or stdin)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data []byte
		var err error
		if len(args) == 3 {
			data, err = os.ReadFile(args[2])
		} else {
			data, err = io.ReadAll(os.Stdin)
		}
		if err != nil {
			return err
		}

		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.WriteFile(ctx, args[0], args[1], data); err != nil {
			return err
		}
		fmt.Printf("✓ Wrote %d bytes to %s\n", len(data), args[1])
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <sandbox-id> [path]",
	Short: "List a sandbox directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "/workspace"
		if len(args) == 2 {
			path = args[1]
		}

		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		entries, err := c.ListFiles(ctx, args[0], path)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, e := range entries {
			kind := "-"
			if e.IsDir {
				kind = "d"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\n", kind, e.Size, e.Name)
		}
		return w.Flush()
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir <sandbox-id> <path>",
	Short: "Create a directory in a sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		parents, _ := cmd.Flags().GetBool("parents")

		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.MakeDir(ctx, args[0], args[1], parents); err != nil {
			return err
		}
		fmt.Printf("✓ Created %s\n", args[1])
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <sandbox-id> <path>",
	Short: "Remove a file or directory in a sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, _ := cmd.Flags().GetBool("recursive")

		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		if err := c.RemoveFile(ctx, args[0], args[1], recursive); err != nil {
			return err
		}
		fmt.Printf("✓ Removed %s\n", args[1])
		return nil
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <sandbox-id> <path>",
	Short: "Stat a path in a sandbox",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := client.New(baseURL, resolveAPIKey())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		info, err := c.StatFile(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		if !info.Exists {
			fmt.Printf("%s: does not exist\n", args[1])
			return nil
		}
		kind := "file"
		if info.IsDir {
			kind = "directory"
		}
		fmt.Printf("%s: %s, %d bytes, modified %s\n",
			args[1], kind, info.Size, time.Unix(info.Mtime, 0).Format(time.RFC3339))
		return nil
	},
}

func init() {
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories")
	rmCmd.Flags().BoolP("recursive", "r", false, "remove directories recursively")

	filesCmd.AddCommand(readCmd, writeCmd, lsCmd, mkdirCmd, rmCmd, statCmd)
	rootCmd.AddCommand(filesCmd)
}
