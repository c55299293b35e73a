package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/vctt94/fairvault/pkg/auth"
	"github.com/vctt94/fairvault/pkg/client"
)

type ctlConfig struct {
	URL       string `env:"FAIRVAULT_URL" envDefault:"ws://127.0.0.1:8080/ws"`
	Token     string `env:"FAIRVAULT_TOKEN"`
	JWTSecret string `env:"FAIRVAULT_JWT_SECRET"`
	JWTIssuer string `env:"FAIRVAULT_JWT_ISSUER" envDefault:"fairvault"`
}

var (
	url     = flag.String("url", "", "URL of the websocket endpoint")
	token   = flag.String("token", "", "Bearer token (FAIRVAULT_TOKEN)")
	timeout = flag.Duration("timeout", 30*time.Second, "Timeout of each request")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [global flags] <command> [args]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Commands:")
		fmt.Fprintln(os.Stderr, "  token --player ID [--addr A] [--admin]  Issue a token (needs FAIRVAULT_JWT_SECRET)")
		fmt.Fprintln(os.Stderr, "  ping                                    Print server time")
		fmt.Fprintln(os.Stderr, "  games                                   List games (JSON)")
		fmt.Fprintln(os.Stderr, "  vault                                   Print vault state (JSON)")
		fmt.Fprintln(os.Stderr, "  position [--addr A]                     Print a vault position (JSON)")
		fmt.Fprintln(os.Stderr, "  create --game SLUG --deposit N          Open a session; prints the session")
		fmt.Fprintln(os.Stderr, "  play --session ID --bet N [--choice J]  Play and verify one round")
		fmt.Fprintln(os.Stderr, "  cashout --session ID                    Cash out a multi-round win")
		fmt.Fprintln(os.Stderr, "  close --session ID                      Close a session")
		fmt.Fprintln(os.Stderr, "  session --session ID                    Print a session (JSON)")
		fmt.Fprintln(os.Stderr, "  rounds --session ID                     Print and verify settled rounds")
		fmt.Fprintln(os.Stderr, "\nGlobal flags:")
		flag.PrintDefaults()
	}

	flag.CommandLine.SetOutput(io.Discard)
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	var cfg ctlConfig
	if err := env.Parse(&cfg); err != nil {
		fatalErr(fmt.Errorf("parse env: %w", err))
	}
	if *url != "" {
		cfg.URL = *url
	}
	if *token != "" {
		cfg.Token = *token
	}

	if cmd == "token" {
		if err := handleToken(cfg, args); err != nil {
			fatalErr(err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, err := client.Dial(ctx, client.Config{URL: cfg.URL, Token: cfg.Token, CallTimeout: *timeout}, nil)
	if err != nil {
		fatalErr(err)
	}
	defer c.Close()

	handlers := map[string]func(context.Context, *client.Client, []string) error{
		"ping":     handlePing,
		"games":    handleGames,
		"vault":    handleVault,
		"position": handlePosition,
		"create":   handleCreate,
		"play":     handlePlay,
		"cashout":  handleCashOut,
		"close":    handleClose,
		"session":  handleSession,
		"rounds":   handleRounds,
	}
	h, ok := handlers[cmd]
	if !ok {
		flag.Usage()
		os.Exit(2)
	}
	if err := h(ctx, c, args); err != nil {
		fatalErr(err)
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func fatalErr(err error) {
	fatal(err.Error())
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// sessionFlag parses a subcommand taking only --session.
func sessionFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("session", "", "Session ID")
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	if *id == "" {
		return "", fmt.Errorf("%s: --session is required", name)
	}
	return *id, nil
}

func handleToken(cfg ctlConfig, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	player := fs.String("player", "", "Player ID")
	addr := fs.String("addr", "", "Custody address")
	admin := fs.Bool("admin", false, "Grant admin rights")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	a, err := auth.New(auth.Config{Secret: []byte(cfg.JWTSecret), Issuer: cfg.JWTIssuer})
	if err != nil {
		return err
	}
	tok, err := a.Issue(auth.Identity{PlayerID: *player, Address: *addr, Admin: *admin}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func handlePing(ctx context.Context, c *client.Client, _ []string) error {
	start := time.Now()
	ts, err := c.Ping(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s (rtt %v)\n", ts.Format(time.RFC3339Nano), time.Since(start).Round(time.Millisecond))
	return nil
}

func handleGames(ctx context.Context, c *client.Client, _ []string) error {
	games, err := c.ListGames(ctx)
	if err != nil {
		return err
	}
	return printJSON(games)
}

func handleVault(ctx context.Context, c *client.Client, _ []string) error {
	st, err := c.GetVault(ctx)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func handlePosition(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("position", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	addr := fs.String("addr", "", "Address (default: the token's address)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	p, err := c.GetPosition(ctx, *addr)
	if err != nil {
		return err
	}
	return printJSON(p)
}

func handleCreate(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	game := fs.String("game", "", "Game slug")
	deposit := fs.Int64("deposit", 0, "Deposit in atoms")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	if *game == "" || *deposit <= 0 {
		return errors.New("create: --game and a positive --deposit are required")
	}
	s, err := c.CreateSession(ctx, *game, *deposit)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func handlePlay(ctx context.Context, c *client.Client, args []string) error {
	fs := flag.NewFlagSet("play", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	id := fs.String("session", "", "Session ID")
	bet := fs.Int64("bet", 0, "Bet in atoms")
	choice := fs.String("choice", "{}", `Choice JSON, e.g. {"tile":1} or {"mode":"under","target":50}`)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("play: %w", err)
	}
	if *id == "" || *bet <= 0 {
		return errors.New("play: --session and a positive --bet are required")
	}
	if !json.Valid([]byte(*choice)) {
		return errors.New("play: --choice is not valid JSON")
	}
	res, err := c.PlayRound(ctx, *id, *bet, json.RawMessage(*choice), nil)
	if err != nil {
		return err
	}
	verdict := "lost"
	if res.Outcome.PlayerWon {
		verdict = "won"
	}
	fmt.Fprintf(os.Stderr, "Round %d %s (raw %d), balance %v, verified\n", res.RoundNumber, verdict,
		res.Outcome.RawValue, dcrutil.Amount(res.PlayerBalance))
	return printJSON(res)
}

func handleCashOut(ctx context.Context, c *client.Client, args []string) error {
	id, err := sessionFlag("cashout", args)
	if err != nil {
		return err
	}
	r, err := c.CashOut(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(r)
}

func handleClose(ctx context.Context, c *client.Client, args []string) error {
	id, err := sessionFlag("close", args)
	if err != nil {
		return err
	}
	s, err := c.CloseSession(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func handleSession(ctx context.Context, c *client.Client, args []string) error {
	id, err := sessionFlag("session", args)
	if err != nil {
		return err
	}
	s, err := c.GetSession(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(s)
}

func handleRounds(ctx context.Context, c *client.Client, args []string) error {
	id, err := sessionFlag("rounds", args)
	if err != nil {
		return err
	}
	rounds, err := c.ListRounds(ctx, id)
	if err != nil {
		return err
	}
	for _, r := range rounds {
		if err := client.VerifyRound(r); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d rounds verified\n", len(rounds))
	return printJSON(rounds)
}
