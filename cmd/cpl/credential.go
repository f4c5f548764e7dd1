package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/coupler/internal/credential"
	"golang.org/x/term"
)

func newCredentialCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage secrets in the system keyring",
		Long: `Stores integration tokens in the system keyring. Reference them from the
config as auth_ref: keyring:<key> (or just <key>).`,
	}

	cmd.AddCommand(newCredentialSetCmd())
	cmd.AddCommand(newCredentialDeleteCmd())
	return cmd
}

func newCredentialSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key>",
		Short: "Store a secret (read from the terminal or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := readSecret(cmd, args[0])
			if err != nil {
				return err
			}
			if err := credential.Set(args[0], value); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", args[0])
			return nil
		},
	}
}

func newCredentialDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := credential.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

// readSecret reads without echo from a terminal, or the first line of piped
// input otherwise.
func readSecret(cmd *cobra.Command, key string) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.OutOrStdout(), "Value for %s: ", key)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return validSecret(string(b))
	}

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return "", errors.New("no secret on stdin")
	}
	return validSecret(scanner.Text())
}

func validSecret(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("secret is empty")
	}
	return s, nil
}
