// Command loadgen fires synthetic events at a running relay and reports how
// long deliveries take to reach a terminal state. Useful for sizing the
// dispatcher pool and batch settings against a real receiver.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

const pollInterval = 500 * time.Millisecond

type Config struct {
	BaseURL     string
	TenantID    string
	Provider    string
	EventType   string
	Events      int
	Concurrency int
	Timeout     time.Duration
}

type deliveryResult struct {
	ID        string
	Status    string
	Published time.Time
	Settled   time.Time
}

type publishResponse struct {
	DeliveryIDs []string `json:"delivery_ids"`
	Created     int      `json:"created"`
	Matched     int      `json:"matched"`
}

type deliveryResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func main() {
	cfg := parseFlags()

	fmt.Printf("Publishing %d events to %s (concurrency %d)\n", cfg.Events, cfg.BaseURL, cfg.Concurrency)

	results, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loadgen failed: %v\n", err)
		os.Exit(1)
	}

	report(results)
}

func parseFlags() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "url", "http://localhost:8080", "relay API base URL")
	flag.StringVar(&cfg.TenantID, "tenant", "loadgen", "tenant ID to publish under")
	flag.StringVar(&cfg.Provider, "provider", "loadgen", "provider name to publish under")
	flag.StringVar(&cfg.EventType, "event", "loadgen.tick", "event type to publish")
	flag.IntVar(&cfg.Events, "n", 100, "number of events to publish")
	flag.IntVar(&cfg.Concurrency, "c", 8, "number of concurrent publishers")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Minute, "how long to wait for deliveries to settle")
	flag.Parse()
	return cfg
}

func run(cfg Config) ([]deliveryResult, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	ids := make(chan string, cfg.Events*4)
	errs := make(chan error, cfg.Events)
	work := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				published, err := publish(client, cfg, i)
				if err != nil {
					errs <- err
					continue
				}
				for _, id := range published {
					ids <- id
				}
			}
		}()
	}

	start := time.Now()
	for i := 0; i < cfg.Events; i++ {
		work <- i
	}
	close(work)
	wg.Wait()
	close(ids)
	close(errs)

	for err := range errs {
		return nil, err
	}

	var pending []deliveryResult
	for id := range ids {
		pending = append(pending, deliveryResult{ID: id, Published: start})
	}
	if len(pending) == 0 {
		return nil, fmt.Errorf("no deliveries created; is a matching subscription registered?")
	}

	fmt.Printf("Created %d deliveries, waiting for dispatch...\n", len(pending))

	return waitForSettlement(client, cfg, pending)
}

func publish(client *http.Client, cfg Config, seq int) ([]string, error) {
	body, _ := json.Marshal(map[string]any{
		"tenant_id":       cfg.TenantID,
		"provider":        cfg.Provider,
		"event_type":      cfg.EventType,
		"payload":         map[string]any{"seq": seq, "ts": time.Now().UnixNano()},
		"idempotency_key": fmt.Sprintf("loadgen-%d-%d", time.Now().UnixNano(), seq),
	})

	resp, err := client.Post(cfg.BaseURL+"/api/v1/events", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to publish event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("publish returned HTTP %d: %s", resp.StatusCode, snippet)
	}

	var pub publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pub); err != nil {
		return nil, fmt.Errorf("failed to decode publish response: %w", err)
	}
	return pub.DeliveryIDs, nil
}

func waitForSettlement(client *http.Client, cfg Config, pending []deliveryResult) ([]deliveryResult, error) {
	deadline := time.Now().Add(cfg.Timeout)
	settled := make([]deliveryResult, 0, len(pending))

	for len(pending) > 0 {
		if time.Now().After(deadline) {
			fmt.Printf("Timed out with %d deliveries still in flight\n", len(pending))
			break
		}

		remaining := pending[:0]
		for _, d := range pending {
			status, err := fetchStatus(client, cfg, d.ID)
			if err != nil {
				return nil, err
			}
			if status == "succeeded" || status == "dead" {
				d.Status = status
				d.Settled = time.Now()
				settled = append(settled, d)
			} else {
				remaining = append(remaining, d)
			}
		}
		pending = remaining

		if len(pending) > 0 {
			time.Sleep(pollInterval)
		}
	}

	return settled, nil
}

func fetchStatus(client *http.Client, cfg Config, id string) (string, error) {
	resp, err := client.Get(cfg.BaseURL + "/api/v1/deliveries/" + id)
	if err != nil {
		return "", fmt.Errorf("failed to get delivery %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("get delivery %s returned HTTP %d", id, resp.StatusCode)
	}

	var d deliveryResponse
	if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
		return "", fmt.Errorf("failed to decode delivery %s: %w", id, err)
	}
	return d.Status, nil
}

func report(results []deliveryResult) {
	if len(results) == 0 {
		fmt.Println("No deliveries settled")
		return
	}

	latencies := make([]time.Duration, 0, len(results))
	byStatus := map[string]int{}
	for _, r := range results {
		latencies = append(latencies, r.Settled.Sub(r.Published))
		byStatus[r.Status]++
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	fmt.Printf("\nSettled: %d\n", len(results))
	for status, count := range byStatus {
		fmt.Printf("  %-10s %d\n", status, count)
	}
	fmt.Printf("Latency p50: %v\n", percentile(latencies, 50))
	fmt.Printf("Latency p95: %v\n", percentile(latencies, 95))
	fmt.Printf("Latency p99: %v\n", percentile(latencies, 99))
	fmt.Printf("Latency max: %v\n", latencies[len(latencies)-1])
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
