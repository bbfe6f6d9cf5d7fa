// Package main provides the CLI entry point for the DSSE client.
package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vaultmesh/apocm/internal/config"
	"github.com/vaultmesh/apocm/internal/dsseclient"
	"github.com/vaultmesh/apocm/internal/logging"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dsse-client",
		Short: "DSSE client - encrypt, upload, and search documents",
		Long: `dsse-client encrypts documents and their keyword index before
handing both to an untrusted dsse-server, and later recovers the set of
document ids matching a search keyword without the server ever learning
the keyword or the document contents.`,
	}

	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(removeCmd())
	rootCmd.AddCommand(searchCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var configPath string

func addConfigFlag(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&configPath, "config", "c", "./dsse-client.yaml", "Path to configuration file")
}

func loadConfigAndClient() (*config.ClientConfig, *dsseclient.Client, error) {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, dsseclient.NewClient(*cfg, logger, nil), nil
}

// readPassword prompts for a password and, when confirm is set, prompts a
// second time and requires the two entries to match, the same
// confirm-then-compare shape the pack's own password-hash command
// uses for anything that derives a key from user input.
func readPassword(confirm bool) ([]byte, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	if !confirm {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	confirmPw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read confirmation: %w", err)
	}
	if string(pw) != string(confirmPw) {
		return nil, fmt.Errorf("passwords do not match")
	}
	return pw, nil
}

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision a new keystore",
		Long: `setup creates a fresh set of DSSE secret keys under a password
and stores them at the configured keys_path. Run this once before the
first add or search; add and remove create the keystore automatically
when none exists, search does not, and running setup explicitly avoids
surprising a user who expected an existing keystore to be loaded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadConfigAndClient()
			if err != nil {
				return err
			}
			password, err := readPassword(true)
			if err != nil {
				return err
			}
			return client.Setup(password)
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <file>...",
		Short: "Tokenize, encrypt, and upload one or more files",
		Long: `add reads each file, tokenizes its content into the keyword set
it will be searchable under (every maximal run of letters and digits),
encrypts the file body under the client's document key, builds the
corresponding encrypted index rows, and uploads both to the configured
server. A path that is not a regular file is skipped with a warning.

Examples:
  dsse-client add ./q1-report.txt
  dsse-client add ./invoices/*.txt`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadConfigAndClient()
			if err != nil {
				return err
			}

			password, err := readPassword(false)
			if err != nil {
				return err
			}

			var total int64
			for _, p := range args {
				if info, err := os.Stat(p); err == nil {
					total += info.Size()
				}
			}
			fmt.Fprintf(os.Stderr, "uploading %d path(s), %s...\n", len(args), humanize.Bytes(uint64(total)))

			ids, err := client.Add(password, args)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id.String())
			}
			return nil
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func removeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <uuid>...",
		Short: "Remove one or more previously added documents",
		Long: `remove tags every keyword the local manifest associates with
each document id as a tombstone and uploads them, so later searches for
those keywords no longer return the document.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadConfigAndClient()
			if err != nil {
				return err
			}

			ids := make([]uuid.UUID, len(args))
			for i, a := range args {
				id, err := uuid.Parse(a)
				if err != nil {
					return fmt.Errorf("invalid uuid %q: %w", a, err)
				}
				ids[i] = id
			}

			password, err := readPassword(false)
			if err != nil {
				return err
			}
			return client.Remove(password, ids)
		},
	}
	addConfigFlag(cmd)
	return cmd
}

func searchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search for documents filed under a keyword",
		Long: `search derives the keyword's trapdoor, runs the two-round
search exchange against the server, and prints the matching document
ids, one per line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, client, err := loadConfigAndClient()
			if err != nil {
				return err
			}

			password, err := readPassword(false)
			if err != nil {
				return err
			}

			ids, err := client.Search(password, args[0])
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id.String())
			}
			return nil
		},
	}
	addConfigFlag(cmd)
	return cmd
}
