package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kestrelworks/turnstile/internal/config"
	"github.com/kestrelworks/turnstile/internal/mcp"
	"github.com/kestrelworks/turnstile/internal/pipeline"
	"github.com/kestrelworks/turnstile/internal/trail"
)

const version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "trail":
		err = runTrail(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:])
	case "sweep":
		err = runSweep(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("turnstile %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags is the flag subset every subcommand understands.
type commonFlags struct {
	configPath   string
	dbPath       string
	conversation string
	rest         []string
}

func parseCommon(args []string) (commonFlags, error) {
	var f commonFlags
	i := 0
	for i < len(args) {
		arg := args[i]
		takesValue := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", arg)
			}
			i++
			return args[i], nil
		}
		var err error
		switch arg {
		case "--config":
			f.configPath, err = takesValue()
		case "--db":
			f.dbPath, err = takesValue()
		case "--conversation":
			f.conversation, err = takesValue()
		default:
			f.rest = append(f.rest, arg)
		}
		if err != nil {
			return f, err
		}
		i++
	}
	return f, nil
}

func openResolved(f commonFlags) (config.Resolved, trail.Store, error) {
	resolved, err := config.Resolve(config.ResolveOptions{
		ConfigPath:        f.configPath,
		CLIDBPath:         f.dbPath,
		CLIConversationID: f.conversation,
	})
	if err != nil {
		return resolved, nil, err
	}
	store, err := trail.NewStore(trail.StoreConfig{DBPath: resolved.DBPath.Value})
	if err != nil {
		return resolved, nil, fmt.Errorf("opening trail store: %w", err)
	}
	return resolved, store, nil
}

func runServe(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(f.rest) > 0 {
		return fmt.Errorf("unknown flag: %s", f.rest[0])
	}

	resolved, store, err := openResolved(f)
	if err != nil {
		return err
	}
	defer store.Close()

	engine := pipeline.NewEngine(resolved.Pipeline, store)
	defer engine.Close()

	srv := mcp.NewServer(mcp.ServerConfig{
		Engine:  engine,
		Store:   store,
		Version: version,
	})
	return mcp.ServeStdio(srv)
}

func runReplay(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(f.rest) == 0 {
		return fmt.Errorf("usage: turnstile replay <observations.jsonl> [--db <path>]")
	}
	path := f.rest[0]

	resolved, store, err := openResolved(f)
	if err != nil {
		return err
	}
	defer store.Close()

	// Replay is offline: every observation is already settled, so the
	// debounce layer is bypassed and events process in file order.
	cfg := resolved.Pipeline
	cfg.QuietPeriod = 0
	engine := pipeline.NewEngine(cfg, store)

	result, err := replayFile(engine, path)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runTrail(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}

	opts := trail.ListOpts{Limit: 50}
	i := 0
	for i < len(f.rest) {
		switch f.rest[i] {
		case "--clean":
			opts.CleanOnly = true
		case "--limit":
			if i+1 >= len(f.rest) {
				return fmt.Errorf("--limit requires a value")
			}
			i++
			n, err := strconv.Atoi(f.rest[i])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid --limit value: %s", f.rest[i])
			}
			opts.Limit = n
		default:
			return fmt.Errorf("unknown flag: %s", f.rest[i])
		}
		i++
	}

	_, store, err := openResolved(f)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("listing trail: %w", err)
	}
	out, _ := json.MarshalIndent(records, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runStats(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}
	if len(f.rest) > 0 {
		return fmt.Errorf("unknown flag: %s", f.rest[0])
	}

	_, store, err := openResolved(f)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(context.Background())
	if err != nil {
		return fmt.Errorf("reading stats: %w", err)
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return nil
}

func runSweep(args []string) error {
	f, err := parseCommon(args)
	if err != nil {
		return err
	}

	days := 90
	i := 0
	for i < len(f.rest) {
		switch f.rest[i] {
		case "--days":
			if i+1 >= len(f.rest) {
				return fmt.Errorf("--days requires a value")
			}
			i++
			n, err := strconv.Atoi(f.rest[i])
			if err != nil || n <= 0 {
				return fmt.Errorf("invalid --days value: %s", f.rest[i])
			}
			days = n
		default:
			return fmt.Errorf("unknown flag: %s", f.rest[i])
		}
		i++
	}

	_, store, err := openResolved(f)
	if err != nil {
		return err
	}
	defer store.Close()

	cutoff := time.Now().AddDate(0, 0, -days)
	n, err := store.Sweep(context.Background(), cutoff)
	if err != nil {
		return fmt.Errorf("sweeping trail: %w", err)
	}
	fmt.Printf("Removed %d trail records older than %d days\n", n, days)
	return nil
}

func printUsage() {
	fmt.Printf(`turnstile %s - duplicate and retransmission filter for captured chat turns

Usage:
  turnstile <command> [arguments]

Commands:
  serve               Run the MCP server on stdio
  replay <file>       Run a JSONL observation log through the pipeline
  trail               Print trail records (--clean, --limit N)
  stats               Print trail statistics
  sweep               Delete old trail records (--days N, default 90)
  version             Print version

Flags (all commands):
  --config <path>     Config file (default ~/.turnstile/config.yaml)
  --db <path>         Trail database path
  --conversation <id> Conversation id attached to dispatched records

Environment:
  TURNSTILE_DB, TURNSTILE_CONVERSATION, TURNSTILE_CONFIG,
  TURNSTILE_QUIET_MS, TURNSTILE_VELOCITY_THRESHOLD,
  TURNSTILE_REPEATABLE_COMMANDS, TURNSTILE_DEBUG
`, version)
}
