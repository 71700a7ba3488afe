package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-extract/credential"
)

var (
	setCredential    = credential.Set
	deleteCredential = credential.Delete
)

func newCredentialsCmd() *cobra.Command {
	var host, user string

	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage IMAP passwords stored in the OS keyring",
	}
	cmd.PersistentFlags().StringVar(&host, "imap-host", "", "IMAP server hostname")
	cmd.PersistentFlags().StringVar(&user, "imap-user", "", "IMAP username")
	_ = cmd.MarkPersistentFlagRequired("imap-host")
	_ = cmd.MarkPersistentFlagRequired("imap-user")

	var password string
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store the IMAP password, read from --password or the first line of stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				var err error
				password, err = readPassword(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			if err := setCredential(host, user, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stored password for %s\n", credential.Key(host, user))
			return nil
		},
	}
	setCmd.Flags().StringVar(&password, "password", "", "Password to store (read from stdin when empty)")

	deleteCmd := &cobra.Command{
		Use:   "delete",
		Short: "Remove the stored IMAP password",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := deleteCredential(host, user); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted password for %s\n", credential.Key(host, user))
			return nil
		},
	}

	cmd.AddCommand(setCmd, deleteCmd)
	return cmd
}

func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return line, nil
}
