// Package main is the devcrewctl admin CLI: seed personas, start and
// stop pools, and publish test events to the bus.
//
// Exit codes: 0 on success, 1 for usage/configuration errors, 2 for
// transport failures (API or bus unreachable).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devcrew/devcrew/internal/common/config"
	"github.com/devcrew/devcrew/internal/common/logger"
	"github.com/devcrew/devcrew/internal/events/bus"
	v1 "github.com/devcrew/devcrew/pkg/api/v1"
)

const (
	exitOK        = 0
	exitConfig    = 1
	exitTransport = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return exitConfig
	}

	switch args[0] {
	case "seed":
		return cmdSeed(cfg, args[1:])
	case "pool":
		return cmdPool(cfg, args[1:])
	case "publish-test":
		return cmdPublishTest(cfg, args[1:])
	case "help", "-h", "--help":
		usage()
		return exitOK
	}

	fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
	usage()
	return exitConfig
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: devcrewctl <command> [flags]

commands:
  seed -file <personas.yaml> [-api <url>]   create personas from a yaml file
  pool start|stop <role> [-api <url>]       activate or drain a role pool
  publish-test <topic>                      publish a test event to the bus`)
}

func apiBase(cfg *config.Config, override string) string {
	if override != "" {
		return override
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

// seedFile is the yaml shape the seed command reads.
type seedFile struct {
	Personas []struct {
		Name         string   `yaml:"name"`
		Role         string   `yaml:"role"`
		Description  string   `yaml:"description"`
		Traits       []string `yaml:"traits"`
		SystemPrompt string   `yaml:"system_prompt"`
	} `yaml:"personas"`
}

func cmdSeed(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	file := fs.String("file", "personas.yaml", "persona definitions file")
	api := fs.String("api", "", "API base URL (defaults to the configured server)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read %s: %v\n", *file, err)
		return exitConfig
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse %s: %v\n", *file, err)
		return exitConfig
	}
	if len(seed.Personas) == 0 {
		fmt.Fprintf(os.Stderr, "%s defines no personas\n", *file)
		return exitConfig
	}

	client := &http.Client{Timeout: 10 * time.Second}
	base := apiBase(cfg, *api)
	created, skipped := 0, 0

	for _, p := range seed.Personas {
		body, err := json.Marshal(v1.Persona{
			Name:         p.Name,
			Role:         v1.AgentRole(p.Role),
			Description:  p.Description,
			Traits:       p.Traits,
			SystemPrompt: p.SystemPrompt,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to encode persona %s: %v\n", p.Name, err)
			return exitConfig
		}

		resp, err := client.Post(base+"/api/v1/personas", "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Fprintf(os.Stderr, "API unreachable: %v\n", err)
			return exitTransport
		}
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
			// Already seeded; idempotent re-runs are fine.
			skipped++
		default:
			fmt.Fprintf(os.Stderr, "failed to create persona %s: %s\n", p.Name, string(msg))
			return exitConfig
		}
	}

	fmt.Printf("seeded %d personas (%d already present)\n", created, skipped)
	return exitOK
}

func cmdPool(cfg *config.Config, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: devcrewctl pool start|stop <role> [-api <url>]")
		return exitConfig
	}
	verb, role := args[0], args[1]
	if verb != "start" && verb != "stop" {
		fmt.Fprintf(os.Stderr, "unknown pool action: %s\n", verb)
		return exitConfig
	}
	if !v1.ValidRole(v1.AgentRole(role)) {
		fmt.Fprintf(os.Stderr, "unknown role: %s\n", role)
		return exitConfig
	}

	fs := flag.NewFlagSet("pool", flag.ContinueOnError)
	api := fs.String("api", "", "API base URL (defaults to the configured server)")
	if err := fs.Parse(args[2:]); err != nil {
		return exitConfig
	}

	client := &http.Client{Timeout: 30 * time.Second}
	url := fmt.Sprintf("%s/api/v1/pools/%s/%s", apiBase(cfg, *api), role, verb)
	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "API unreachable: %v\n", err)
		return exitTransport
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(os.Stderr, "pool %s failed: %s\n", verb, string(msg))
		return exitConfig
	}

	fmt.Printf("pool %s: %s\n", role, verb)
	return exitOK
}

func cmdPublishTest(cfg *config.Config, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: devcrewctl publish-test <topic>")
		return exitConfig
	}
	topic := args[0]

	if cfg.Bus.URL == "" {
		fmt.Fprintln(os.Stderr, "publish-test requires a NATS bus (set bus.url)")
		return exitConfig
	}

	log, err := logger.New(logger.Config{Level: "error", Format: "text"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}

	natsBus, err := bus.NewNATSEventBus(cfg.Bus, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bus unreachable: %v\n", err)
		return exitTransport
	}
	defer natsBus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	event := bus.NewEvent("test.ping", "devcrewctl", map[string]interface{}{
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := natsBus.Publish(ctx, topic, event); err != nil {
		fmt.Fprintf(os.Stderr, "publish failed: %v\n", err)
		return exitTransport
	}

	fmt.Printf("published %s to %s\n", event.ID, topic)
	return exitOK
}
