// ABOUTME: token and send subcommands: mint an identity token and relay a message from the terminal
// ABOUTME: send loads session history first so a retried message is not shown twice

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/client"
)

// EnvToken supplies the bearer token for send.
const EnvToken = "CONSULT_TOKEN"

const defaultTokenTTL = 30 * 24 * time.Hour

func tokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "token"
	}
	return filepath.Join(home, ".config", "consult", "token")
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	sub := fs.String("sub", "", "principal ID for the sub claim")
	ttl := fs.Duration("ttl", defaultTokenTTL, "token lifetime")
	save := fs.Bool("save", false, "also write the token to "+tokenPath())
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	if strings.TrimSpace(*sub) == "" {
		return errors.New("--sub is required")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.IdentitySecret)).Generate(*sub, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if *save {
		p := tokenPath()
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("creating token directory: %w", err)
		}
		if err := os.WriteFile(p, []byte(token), 0600); err != nil {
			return fmt.Errorf("writing token file: %w", err)
		}
		color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Saved token: %s\n", p)
	}

	fmt.Println(token)
	return nil
}

// resolveToken picks the flag, then CONSULT_TOKEN, then the saved token file.
func resolveToken(flagToken string) (string, error) {
	if flagToken != "" {
		return flagToken, nil
	}
	if t := os.Getenv(EnvToken); t != "" {
		return t, nil
	}
	raw, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", fmt.Errorf("no token: pass --token, set %s or run consult-gateway token --save", EnvToken)
	}
	return strings.TrimSpace(string(raw)), nil
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	url := fs.String("url", "http://localhost:8080", "gateway base URL")
	session := fs.String("session", "", "session ID")
	tokenFlag := fs.String("token", "", "identity bearer token")
	timeout := fs.Duration("timeout", 90*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *session == "" {
		return errors.New("--session is required")
	}
	text := strings.Join(fs.Args(), " ")

	token, err := resolveToken(*tokenFlag)
	if err != nil {
		return err
	}

	c := client.New(*url, client.WithToken(token), client.WithTimeout(*timeout))
	history, err := c.History(ctx, *session)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}

	chat := client.NewChat(c)
	chat.Open(*session, history)

	reply, err := chat.Send(ctx, text)
	if err != nil {
		return err
	}

	if reply.Turn.Degraded {
		color.New(color.FgYellow).Fprintln(os.Stderr, "[degraded]")
	}
	if reply.Status == client.ReplyDuplicate {
		color.New(color.FgHiBlack).Fprintln(os.Stderr, "(reply already in transcript)")
	}
	fmt.Println(reply.Turn.Content)
	return nil
}
