package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/a-essam23/go-fanout/internal/server"
	"github.com/a-essam23/go-fanout/pkg/auth"
	"github.com/a-essam23/go-fanout/pkg/config"
	"github.com/a-essam23/go-fanout/pkg/logging"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "path to a config file (default ./config.yaml if present)")
	flag.Parse()

	bootLogger := logging.New(logging.LevelInfo)
	cfg, err := config.Load(bootLogger, *configPath)
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.NewWithWriter(os.Stdout, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := server.NewApp(logger, cfg, server.Options{})
	if err != nil {
		logger.Error("Failed to build application", slog.Any("error", err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}

// runToken prints a signed token for local testing.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a config file")
	sub := fs.String("sub", "", "user id (required)")
	projects := fs.String("projects", "", "comma separated project ids")
	roles := fs.String("roles", "", "comma separated roles")
	teams := fs.String("teams", "", "comma separated team ids")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *sub == "" {
		return fmt.Errorf("token: --sub is required")
	}

	cfg, err := config.Load(logging.Discard(), *configPath)
	if err != nil {
		return err
	}
	claims := auth.NewClaims(*sub, *ttl, splitList(*roles), splitList(*projects), splitList(*teams))
	claims.Issuer = cfg.Auth.Issuer
	if cfg.Auth.Audience != "" {
		claims.Audience = []string{cfg.Auth.Audience}
	}
	token, err := auth.Sign([]byte(cfg.Auth.JWTSecret), claims)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
