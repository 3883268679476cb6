// ABOUTME: Entry point for consult-gateway, the consult relay and session lifecycle server
// ABOUTME: Subcommands serve, init, health, token and send

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/consult-gateway/internal/client"
	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                 _ _
  ___ ___  _ __  ___ _   _  | | |_
 / __/ _ \| '_ \/ __| | | | | | __|
| (_| (_) | | | \__ \ |_| | | | |_
 \___\___/|_| |_|___/\__,_| |_|\__|
`

func usage() {
	fmt.Println("Usage: consult-gateway <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve [--config PATH]                 Start the gateway server")
	fmt.Println("  init [--config PATH]                  Write a config file with fresh secrets")
	fmt.Println("  health [--config PATH]                Check gateway health")
	fmt.Println("  token --sub ID [--ttl DUR]            Mint an identity token")
	fmt.Println("  send --session ID [--url URL] MSG     Relay one message and print the reply")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "init":
		err = runInit(args)
	case "health":
		err = runHealth(ctx, args)
	case "token":
		err = runToken(args)
	case "send":
		err = runSend(ctx, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses a --config flag and loads the resolved file.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configFlag := fs.String("config", "", "path to the config file")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	path := config.ResolvePath(*configFlag)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context, args []string) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flag.NewFlagSet("serve", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("Backend:   %s", cfg.Backend.Kind)
	if cfg.Backend.Degraded() {
		yellow.Print(" [degraded: echo replies]")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Feed:      %s\n", cfg.ChangeFeed.Driver)

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting consult-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"backend", cfg.Backend.Kind,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHealth(ctx context.Context, args []string) error {
	cfg, _, err := loadConfig(flag.NewFlagSet("health", flag.ContinueOnError), args)
	if err != nil {
		return err
	}

	c := client.New("http://" + cfg.Server.HTTPAddr)
	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("unhealthy: %w", err)
	}
	fmt.Println("healthy")
	return nil
}

// runInit writes a config file with random secrets, refusing to overwrite.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	path := fs.String("config", "config.yaml", "path of the config file to write")
	dbPath := fs.String("db", filepath.Join(dataPath(), "consult.db"), "SQLite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(*path); err == nil {
		return fmt.Errorf("%s already exists", *path)
	}

	identity, err := randomSecret()
	if err != nil {
		return err
	}
	scoped, err := randomSecret()
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`# consult-gateway configuration
# Generated by consult-gateway init

server:
  http_addr: "localhost:8080"
  grpc_addr: "localhost:50051"

database:
  driver: "sqlite"
  path: %q

auth:
  identity_secret: %q
  scoped_secret: %q
  scoped_ttl: "15m"

token_exchange:
  mode: "local"

# Without an endpoint the relay answers with degraded echo replies
backend:
  kind: "http"
  endpoint: ""
  timeout: "60s"

changefeed:
  driver: "memory"

logging:
  level: "info"
  format: "text"
`, *dbPath, identity, scoped)

	if dir := filepath.Dir(*path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(*path, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", *path)
	fmt.Println("\nTo start the server:")
	fmt.Println("  consult-gateway serve")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// dataPath returns XDG_DATA_HOME/consult-gateway or ~/.local/share/consult-gateway.
func dataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "consult-gateway")
}
