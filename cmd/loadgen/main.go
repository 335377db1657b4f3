// Command loadgen drives concurrent transfers against a running server
// using accounts created by cmd/seeder.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type options struct {
	targetURL    string
	accountsFile string
	workers      int
	duration     time.Duration
	workload     string
	amount       int64
	replayRate   float64
	secret       string
}

type counters struct {
	total    atomic.Uint64
	created  atomic.Uint64
	rejected atomic.Uint64
	busy     atomic.Uint64
	failed   atomic.Uint64
}

func main() {
	var opts options
	flag.StringVar(&opts.targetURL, "url", "http://localhost:8080", "API base URL")
	flag.StringVar(&opts.accountsFile, "accounts", "accounts.txt", "File with one account id per line")
	flag.IntVar(&opts.workers, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&opts.workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.Int64Var(&opts.amount, "amount", 100, "Amount per transfer in minor units")
	flag.Float64Var(&opts.replayRate, "replay-rate", 0.05, "Fraction of requests that resend the previous idempotency key")
	flag.Parse()
	opts.secret = os.Getenv("JWT_SECRET")

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if err := run(opts, logger); err != nil {
		logger.Error("Load generation failed", "error", err)
		os.Exit(1)
	}
}

func run(opts options, logger *slog.Logger) error {
	if opts.secret == "" {
		return errors.New("JWT_SECRET must be set to sign caller tokens")
	}
	if opts.workload != "uniform" && opts.workload != "hotspot" {
		return fmt.Errorf("unknown workload %q", opts.workload)
	}

	accounts, err := readAccounts(opts.accountsFile)
	if err != nil {
		return err
	}
	if len(accounts) < 2 {
		return errors.New("need at least two accounts")
	}

	tokens := newTokenCache(opts.secret)
	stats := &counters{}

	logger.Info("Starting load", "workload", opts.workload, "workers", opts.workers, "duration", opts.duration)

	ctx, cancel := context.WithTimeout(context.Background(), opts.duration)
	defer cancel()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.workers; i++ {
		seed := time.Now().UnixNano() + int64(i)
		g.Go(func() error {
			return worker(ctx, opts, accounts, tokens, stats, rand.New(rand.NewSource(seed)))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	return printResults(opts.workload, time.Since(start), stats)
}

func worker(ctx context.Context, opts options, accounts []uuid.UUID, tokens *tokenCache, stats *counters, rng *rand.Rand) error {
	client := &http.Client{Timeout: 5 * time.Second}

	var (
		lastKey  string
		lastBody []byte
		lastFrom uuid.UUID
	)
	for ctx.Err() == nil {
		from, to := pick(rng, accounts, opts.workload)
		key := uuid.NewString()
		body, err := json.Marshal(map[string]interface{}{
			"receiver_id": to.String(),
			"amount":      opts.amount,
		})
		if err != nil {
			return err
		}

		if lastKey != "" && rng.Float64() < opts.replayRate {
			from, key, body = lastFrom, lastKey, lastBody
		}
		lastFrom, lastKey, lastBody = from, key, body

		token, err := tokens.get(from)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.targetURL+"/api/v1/transfers", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", key)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			stats.failed.Add(1)
			continue
		}
		resp.Body.Close()

		stats.total.Add(1)
		switch resp.StatusCode {
		case http.StatusCreated:
			stats.created.Add(1)
		case http.StatusUnprocessableEntity:
			stats.rejected.Add(1)
		case http.StatusServiceUnavailable:
			stats.busy.Add(1)
		default:
			stats.failed.Add(1)
		}
	}
	return nil
}

// pick returns a distinct sender and receiver. The hotspot workload sends
// 90% of traffic between the first two accounts.
func pick(rng *rand.Rand, accounts []uuid.UUID, workload string) (uuid.UUID, uuid.UUID) {
	if workload == "hotspot" && rng.Float32() < 0.90 {
		if rng.Float32() < 0.5 {
			return accounts[0], accounts[1]
		}
		return accounts[1], accounts[0]
	}

	a := rng.Intn(len(accounts))
	b := rng.Intn(len(accounts))
	for a == b {
		b = rng.Intn(len(accounts))
	}
	return accounts[a], accounts[b]
}

type tokenCache struct {
	secret []byte
	mu     sync.Mutex
	tokens map[uuid.UUID]string
}

func newTokenCache(secret string) *tokenCache {
	return &tokenCache{secret: []byte(secret), tokens: make(map[uuid.UUID]string)}
}

func (c *tokenCache) get(accountID uuid.UUID) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token, ok := c.tokens[accountID]; ok {
		return token, nil
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	c.tokens[accountID] = token
	return token, nil
}

func readAccounts(path string) ([]uuid.UUID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []uuid.UUID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := uuid.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("invalid account id %q: %w", line, err)
		}
		ids = append(ids, id)
	}
	return ids, scanner.Err()
}

func printResults(workload string, d time.Duration, stats *counters) error {
	total := stats.total.Load()
	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": float64(total) / d.Seconds(),
		"created":        stats.created.Load(),
		"rejected":       stats.rejected.Load(),
		"busy":           stats.busy.Load(),
		"errors":         stats.failed.Load(),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
