package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/klmitch/turnstile-sub000/pkg/limit"
	"github.com/klmitch/turnstile-sub000/pkg/store"
)

// main launches limitctl.
func main() {
	os.Exit(run())
}

const usage = `usage: limitctl [-config FILE] COMMAND [ARGS]

commands:
  push FILE   install the limits in a YAML file and trigger a reload
  dump        print the installed limits in rank order
  reload      trigger a reload without changing the limits
  errors      print recorded reload errors
`

// run executes limitctl and returns an exit code.
func run() int {
	configPath := flag.String("config", "config.yaml", "path to limitctl config")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer func() {
		_ = client.Close()
	}()
	s := store.NewRedis(client)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "push":
		if flag.NArg() != 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		err = push(ctx, s, cfg, flag.Arg(1))
	case "dump":
		err = dump(ctx, s, cfg)
	case "reload":
		err = s.Publish(ctx, cfg.Control.Channel, "reload")
	case "errors":
		err = dumpErrors(ctx, s, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.Arg(0), err)
		return 1
	}
	return 0
}

// push validates a YAML limit list, installs it in rank order, and triggers
// a fleet-wide reload.
func push(ctx context.Context, s store.Store, cfg config, path string) error {
	limits, err := readLimits(path)
	if err != nil {
		return err
	}
	if err := store.LimitUpdate(ctx, s, cfg.Control.LimitsKey, limits); err != nil {
		return fmt.Errorf("install limits: %w", err)
	}
	if err := s.Publish(ctx, cfg.Control.Channel, "reload"); err != nil {
		return fmt.Errorf("trigger reload: %w", err)
	}
	fmt.Printf("installed %d limits\n", len(limits))
	return nil
}

// readLimits parses a YAML file holding a list of limit definitions and
// returns their canonical encodings in file order.
func readLimits(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []map[string]any
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	limits := make([]string, 0, len(entries))
	for i, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("limit %d: %w", i, err)
		}
		l, err := limit.Hydrate(string(raw))
		if err != nil {
			return nil, fmt.Errorf("limit %d: %w", i, err)
		}
		canonical, err := l.Dehydrate()
		if err != nil {
			return nil, fmt.Errorf("limit %d: %w", i, err)
		}
		limits = append(limits, canonical)
	}
	return limits, nil
}

// dump writes the installed limits in rank order as a YAML list, the same
// shape push accepts.
func dump(ctx context.Context, s store.Store, cfg config) error {
	limits, err := s.ZRange(ctx, cfg.Control.LimitsKey, 0, -1)
	if err != nil {
		return err
	}
	entries := make([]map[string]any, 0, len(limits))
	for _, raw := range limits {
		var entry map[string]any
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return fmt.Errorf("decode installed limit %q: %w", raw, err)
		}
		entries = append(entries, entry)
	}
	out, err := yaml.Marshal(entries)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

// dumpErrors prints the recorded reload errors.
func dumpErrors(ctx context.Context, s store.Store, cfg config) error {
	msgs, err := s.SMembers(ctx, cfg.Control.ErrorsKey)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		fmt.Println(msg)
	}
	return nil
}
