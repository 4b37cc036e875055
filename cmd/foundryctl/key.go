package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jordanhubbard/foundry/internal/auth"
	"github.com/jordanhubbard/foundry/internal/database"
)

// newKeyCommand mints API keys. Minting talks to the database directly
// rather than the server: it is an operator action that must work even
// before the first key exists.
func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
	}
	cmd.AddCommand(newKeyMintCommand())
	return cmd
}

func newKeyMintCommand() *cobra.Command {
	var (
		name string
		dsn  string
	)
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Create a new API key",
		Long: `Create a new API key and print its secret. The secret is shown
exactly once; only its hash is stored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("FOUNDRY_DB_DSN")
			}
			if dsn == "" {
				return fmt.Errorf("database DSN required (--dsn or FOUNDRY_DB_DSN)")
			}

			db, err := database.NewPostgres(dsn)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			key, secret, err := auth.NewManager(db, "").MintKey(name)
			if err != nil {
				return fmt.Errorf("failed to mint key: %w", err)
			}

			fmt.Printf("key id:  %s\n", key.ID)
			fmt.Printf("secret:  %s\n", secret)
			fmt.Println("Store the secret now; it cannot be recovered.")
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "Key name (required)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to FOUNDRY_DB_DSN)")
	cmd.MarkFlagRequired("name")
	return cmd
}

// newLoginCommand exchanges a key for a bearer token. The secret is read
// from the terminal without echo.
func newLoginCommand() *cobra.Command {
	var keyID string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange an API key for a bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "secret: ")
			secret, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("failed to read secret: %w", err)
			}

			resp, err := newClient().post("/api/v1/auth/token", map[string]string{
				"key_id": keyID,
				"secret": string(secret),
			})
			if err != nil {
				return err
			}
			printJSON(resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&keyID, "key", "k", "", "API key id (required)")
	cmd.MarkFlagRequired("key")
	return cmd
}
