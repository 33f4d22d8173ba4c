package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/allaspectsdev/switchyard/internal/vault"
)

// keyStore is the subset of *vault.Vault the keys commands use.
type keyStore interface {
	Set(name, key string) error
	Get(name string) (string, error)
	Delete(name string) error
	Resolve(ref string) (string, error)
}

func (app *App) keysCmd(store keyStore) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage provider credentials in the OS keychain",
		Long: `Provider credentials are referenced from the config file, for example
credential = "keyring://switchyard/openai". These commands store and
inspect the keychain entries those references point at.`,
	}
	cmd.AddCommand(
		app.keysSetCmd(store),
		app.keysGetCmd(store),
		app.keysDeleteCmd(store),
		app.keysListCmd(store),
	)
	return cmd
}

func (app *App) keysSetCmd(store keyStore) *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a key (read from the terminal or stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := readSecret(fmt.Sprintf("Key for %s: ", args[0]))
			if err != nil {
				return err
			}
			if err := store.Set(args[0], key); err != nil {
				return err
			}
			fmt.Fprintf(app.out, "stored; reference it as %s\n", vault.Ref(args[0]))
			return nil
		},
	}
}

func (app *App) keysGetCmd(store keyStore) *cobra.Command {
	return &cobra.Command{
		Use:   "get <name>",
		Short: "Show a masked key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := store.Get(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(app.out, mask(key))
			return nil
		},
	}
}

func (app *App) keysDeleteCmd(store keyStore) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a key from the keychain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := store.Delete(args[0]); err != nil {
				if errors.Is(err, vault.ErrNotFound) {
					return fmt.Errorf("no key stored for %q", args[0])
				}
				return err
			}
			fmt.Fprintf(app.out, "deleted %s\n", args[0])
			return nil
		},
	}
}

func (app *App) keysListCmd(store keyStore) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers and whether their credential resolves",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.loadConfig()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PROVIDER\tCREDENTIAL\tSTATUS")
			for _, p := range cfg.Providers {
				status := "ok"
				if p.Credential == "" {
					status = "not required"
				} else if _, err := store.Resolve(p.Credential); err != nil {
					status = "missing"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID(), vault.Describe(p.Credential), status)
			}
			return tw.Flush()
		},
	}
}

// readSecret reads a line without echo when stdin is a terminal, and a plain
// line otherwise so keys can be piped in.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading key: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading key from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// mask keeps the first and last four characters of long keys.
func mask(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
