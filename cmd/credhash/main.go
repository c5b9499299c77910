package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	if err := newRootCmd(os.Stdin).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd prints a "username:bcrypt-hash" operator entry. The password is
// read from the first line of stdin so it never lands in shell history.
func newRootCmd(stdin io.Reader) *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:           "credhash <username>",
		Short:         "Hash an operator password for LAB_AUDIT_OPERATORS",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			user := strings.TrimSpace(args[0])
			if user == "" || strings.ContainsAny(user, ":,") {
				return fmt.Errorf("username must be non-empty and contain no ':' or ','")
			}
			secret, err := readSecret(stdin)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(secret), cost)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s\n", user, hash)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}

func readSecret(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok {
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeCharDevice != 0 {
			return "", fmt.Errorf("pipe the password on stdin")
		}
	}
	reader := bufio.NewReader(r)
	line, err := reader.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return "", fmt.Errorf("password is empty")
	}
	return secret, nil
}
