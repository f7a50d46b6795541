package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the API key for this machine",
	Long: `Prompt for the fcsandbox API key and store it in
~/.config/fcsandbox/credentials. The FCSANDBOX_API_KEY environment
variable and the --api-key flag always take precedence.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprint(os.Stderr, "API key: ")
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read API key: %w", err)
		}
		key := strings.TrimSpace(string(keyBytes))
		if key == "" {
			return fmt.Errorf("empty API key")
		}

		path, err := credentialsPath()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err := os.WriteFile(path, []byte(key+"\n"), 0o600); err != nil {
			return fmt.Errorf("write credentials: %w", err)
		}
		fmt.Printf("✓ API key stored in %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
