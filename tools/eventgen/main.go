package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"threatwatch/core"
	"threatwatch/ingest"
)

const (
	defaultAPIURL  = "http://localhost:8080/api/v1/batches"
	defaultNATSURL = "nats://127.0.0.1:4222"
)

type Config struct {
	Scenario   string
	Noise      int
	BatchSize  int
	Output     string
	File       string
	APIUrl     string
	Token      string
	NATSURL    string
	Stream     string
	Subject    string
	Encoding   string
	AttackerIP string
	Seed       int64
	Start      string
	Step       time.Duration
}

func main() {
	cfg := parseFlags()

	start := time.Now().UTC()
	if cfg.Start != "" {
		parsed, err := time.Parse(time.RFC3339, cfg.Start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -start: %v\n", err)
			os.Exit(1)
		}
		start = parsed
	}

	gen := NewEventGenerator(cfg.Seed, start, cfg.Step)
	events, err := buildScenario(gen, cfg.Scenario, cfg.AttackerIP)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	events = append(gen.GenerateNoise(cfg.Noise), events...)

	if err := send(context.Background(), cfg, events); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "Generated %d events for scenario %q\n", len(events), cfg.Scenario)
}

func parseFlags() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Scenario, "scenario", "mixed", "Scenario: none, brute_force, credential_stuffing, scan, sql_injection, exfiltration, privilege_escalation, off_hours, rate_limit, mixed")
	flag.IntVar(&cfg.Noise, "noise", 20, "Number of benign events to mix in")
	flag.IntVar(&cfg.BatchSize, "batch-size", 0, "Events per batch for api and nats output (0: one batch)")
	flag.StringVar(&cfg.Output, "output", "stdout", "Output method: stdout, file, api, nats")
	flag.StringVar(&cfg.File, "file", "events.json", "Batch file path (for file output)")
	flag.StringVar(&cfg.APIUrl, "api-url", defaultAPIURL, "Batch endpoint URL")
	flag.StringVar(&cfg.Token, "token", os.Getenv("THREATWATCH_API_TOKEN"), "Bearer token for the API")
	flag.StringVar(&cfg.NATSURL, "nats-url", defaultNATSURL, "NATS server URL")
	flag.StringVar(&cfg.Stream, "stream", "SECURITY_EVENTS", "JetStream stream")
	flag.StringVar(&cfg.Subject, "subject", "events.batches", "JetStream subject")
	flag.StringVar(&cfg.Encoding, "encoding", "json", "Batch encoding for api and nats output: json, msgpack")
	flag.StringVar(&cfg.AttackerIP, "attacker-ip", "203.0.113.66", "Source IP used by attack scenarios")
	flag.Int64Var(&cfg.Seed, "seed", time.Now().UnixNano(), "Random seed")
	flag.StringVar(&cfg.Start, "start", "", "RFC3339 timestamp of the first event (default: now)")
	flag.DurationVar(&cfg.Step, "step", time.Second, "Time between consecutive events")

	flag.Parse()
	return cfg
}

func buildScenario(gen *EventGenerator, scenario, attackerIP string) ([]*core.Event, error) {
	switch scenario {
	case "none":
		return nil, nil
	case "brute_force":
		return gen.GenerateBruteForceScenario(attackerIP, 10), nil
	case "credential_stuffing":
		return gen.GenerateCredentialStuffingScenario(attackerIP, 15), nil
	case "scan":
		return gen.GenerateScanScenario(attackerIP, 25), nil
	case "sql_injection":
		return gen.GenerateSQLInjectionScenario(attackerIP), nil
	case "exfiltration":
		return gen.GenerateExfiltrationScenario(attackerIP, 3), nil
	case "privilege_escalation":
		return gen.GeneratePrivilegeEscalationScenario(attackerIP), nil
	case "off_hours":
		return gen.GenerateOffHoursScenario(attackerIP), nil
	case "rate_limit":
		return gen.GenerateRateLimitScenario(attackerIP, 120), nil
	case "mixed":
		var events []*core.Event
		events = append(events, gen.GenerateBruteForceScenario(attackerIP, 10)...)
		events = append(events, gen.GenerateScanScenario("198.51.100.77", 25)...)
		events = append(events, gen.GenerateSQLInjectionScenario("192.0.2.99")...)
		events = append(events, gen.GeneratePrivilegeEscalationScenario("192.0.2.45")...)
		return events, nil
	}
	return nil, fmt.Errorf("unknown scenario %q (available: none, brute_force, credential_stuffing, scan, sql_injection, exfiltration, privilege_escalation, off_hours, rate_limit, mixed)", scenario)
}

func batches(events []*core.Event, size int) [][]*core.Event {
	if size <= 0 || size >= len(events) {
		return [][]*core.Event{events}
	}
	var out [][]*core.Event
	for start := 0; start < len(events); start += size {
		end := start + size
		if end > len(events) {
			end = len(events)
		}
		out = append(out, events[start:end])
	}
	return out
}

func send(ctx context.Context, cfg *Config, events []*core.Event) error {
	switch cfg.Output {
	case "stdout":
		return writeBatch(os.Stdout, events)
	case "file":
		f, err := os.Create(cfg.File)
		if err != nil {
			return fmt.Errorf("error creating file: %w", err)
		}
		defer func() { _ = f.Close() }()
		return writeBatch(f, events)
	case "api":
		for i, batch := range batches(events, cfg.BatchSize) {
			if err := sendToAPI(ctx, cfg.APIUrl, cfg.Token, cfg.Encoding, batch); err != nil {
				return fmt.Errorf("batch %d: %w", i+1, err)
			}
		}
		return nil
	case "nats":
		pub, err := ingest.NewPublisher(cfg.NATSURL, cfg.Stream, cfg.Subject, cfg.Encoding)
		if err != nil {
			return err
		}
		defer pub.Close()
		for i, batch := range batches(events, cfg.BatchSize) {
			if err := pub.Publish(ctx, batch); err != nil {
				return fmt.Errorf("batch %d: %w", i+1, err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown output method: %s", cfg.Output)
}

func writeBatch(w io.Writer, events []*core.Event) error {
	data, err := ingest.EncodeBatch(events)
	if err != nil {
		return fmt.Errorf("error encoding batch: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func sendToAPI(ctx context.Context, apiURL, token, encoding string, events []*core.Event) error {
	contentType := "application/json"
	encode := ingest.EncodeBatch
	if encoding == "msgpack" {
		contentType = "application/msgpack"
		encode = ingest.EncodeMsgpackBatch
	}
	data, err := encode(events)
	if err != nil {
		return fmt.Errorf("error encoding batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Delivery-Attempt", strconv.Itoa(1))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending to API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}
	fmt.Fprintf(os.Stderr, "%s\n", bytes.TrimSpace(body))
	return nil
}
