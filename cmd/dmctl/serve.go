package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/directmsg/internal/devserver"
)

var (
	serveAddr      string
	serveDB        string
	serveSecret    string
	serveRateMax   int
	serveRateEvery time.Duration

	tokenTTL time.Duration
)

func init() {
	fs := serveCmd.PersistentFlags()
	fs.StringVar(&serveSecret, "secret", "", "Token signing secret (default $DMCTL_SECRET)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (default ~/.dmctl/dev.db)")
	serveCmd.Flags().IntVar(&serveRateMax, "rate-limit", devserver.DefaultRateLimit.Max, "Requests per receiver per window (0 disables)")
	serveCmd.Flags().DurationVar(&serveRateEvery, "rate-window", devserver.DefaultRateLimit.Window, "Rate limit window")

	serveTokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 7*24*time.Hour, "Token lifetime (0 for no expiry)")

	serveCmd.AddCommand(serveTokenCmd)
	rootCmd.AddCommand(serveCmd)
}

func secret() (string, error) {
	if serveSecret != "" {
		return serveSecret, nil
	}
	if v := os.Getenv("DMCTL_SECRET"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no signing secret; pass --secret or set DMCTL_SECRET")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local development server",
	Long:  "Run a local messaging server backed by SQLite. It implements the gateway API and the live channel.",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secret()
		if err != nil {
			return err
		}
		path := serveDB
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, "dev.db")
		}

		store, err := devserver.OpenStore(path)
		if err != nil {
			return err
		}
		defer store.Close()

		srv := devserver.New(store, key,
			devserver.WithRateLimit(devserver.RateLimit{Max: serveRateMax, Window: serveRateEvery}),
		)
		fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s (database %s)\n", serveAddr, path)
		return srv.ListenAndServe(cmd.Context(), serveAddr)
	},
}

var serveTokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a token for the development server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := secret()
		if err != nil {
			return err
		}
		token, err := devserver.IssueToken(key, args[0], tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
