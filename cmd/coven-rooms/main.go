// ABOUTME: Entry point for the coven-rooms chat relay server
// ABOUTME: Subcommands serve, init, health, agents and token

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-rooms/internal/auth"
	"github.com/2389/coven-rooms/internal/config"
	"github.com/2389/coven-rooms/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  _ __ ___  ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ / _ \| '_ ' _ \/ __|
| (_| (_) \ V /  __/ | | |_____| | | (_) | (_) | | | | | \__ \
 \___\___/ \_/ \___|_| |_|     |_|  \___/ \___/|_| |_| |_|___/
`

func usage() {
	fmt.Println("Usage: coven-rooms <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the chat relay server")
	fmt.Println("  init                   Write a starter config file")
	fmt.Println("  health                 Check server health")
	fmt.Println("  agents                 Show running agent count")
	fmt.Println("  token --user NAME      Mint an access token for an existing user")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// .env is optional
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "token":
		err = runToken(ctx, os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Driver)
	green.Print("    ▶ ")
	fmt.Printf("Agents:    %d\n", len(cfg.Agents))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting coven-rooms",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a starter config with a fresh JWT secret. An existing
// file is never overwritten.
func runInit() error {
	configPath := config.DefaultPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.Starter(jwtSecret)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("    Set DEEPSEEK_API_KEY (or llm.api_key) before running 'coven-rooms serve'.")
	return nil
}

// getEndpoint loads config and issues a GET against a local endpoint.
func getEndpoint(ctx context.Context, path string) (*http.Response, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	resp, err := getEndpoint(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	resp, err := getEndpoint(ctx, "/health/ready")
	if err != nil {
		return fmt.Errorf("agents check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	fmt.Println(string(body))
	return nil
}

// parseUserFlag accepts "--user NAME", "--user=NAME" and the -u forms.
func parseUserFlag(args []string) (string, error) {
	var username string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--user" || arg == "-u":
			if i+1 >= len(args) {
				return "", errors.New("--user requires a value")
			}
			username = args[i+1]
			i++
		case strings.HasPrefix(arg, "--user="):
			username = strings.TrimPrefix(arg, "--user=")
		case strings.HasPrefix(arg, "-u="):
			username = strings.TrimPrefix(arg, "-u=")
		case strings.HasPrefix(arg, "-"):
			return "", fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("--user flag is required")
	}
	return username, nil
}

// runToken mints a token for an existing user straight from the store, for
// scripts and tool agents that cannot log in with a password.
func runToken(ctx context.Context, args []string) error {
	username, err := parseUserFlag(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	s, err := gateway.OpenStore(openCtx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	user, err := s.GetUserByUsername(openCtx, username)
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", username, err)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}
	token, err := verifier.Issue(user.ID)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	return nil
}
