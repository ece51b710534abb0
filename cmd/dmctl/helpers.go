package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/Prismer-AI/directmsg"
)

// currentConfig loads the config file with environment overrides applied.
func currentConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// newMessenger creates a Messenger for the configured credentials.
func newMessenger() (*directmsg.Messenger, error) {
	cfg, err := currentConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		return nil, errors.New("no credentials; run 'dmctl login <token> <user-id>' first")
	}
	return directmsg.New(directmsg.Config{
		BaseURL: cfg.Default.BaseURL,
		Logger:  slog.Default(),
	}, directmsg.NewCredentials(cfg.Auth.Token, cfg.Auth.UserID)), nil
}

// printJSON writes v indented.
func printJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// describeError turns expected failures into a user-facing line.
func describeError(err error) error {
	var dmErr *directmsg.Error
	if !errors.As(err, &dmErr) {
		return err
	}
	switch dmErr.Kind {
	case directmsg.KindNetwork:
		return fmt.Errorf("network error, retry: %w", err)
	case directmsg.KindRateLimited:
		return fmt.Errorf("rate limited, try again later: %s", dmErr.Message)
	case directmsg.KindUnauthorized:
		return fmt.Errorf("not authorized, check 'dmctl config show': %s", dmErr.Message)
	}
	return err
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}
