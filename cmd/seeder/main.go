// Command seeder bulk-provisions accounts for load tests and local
// development, and writes their ids to a file for cmd/loadgen.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"peer-transfers/internal/config"
)

func main() {
	var (
		total   int
		balance int64
		out     string
	)
	flag.IntVar(&total, "accounts", 1000, "Number of accounts to create")
	flag.Int64Var(&balance, "balance", 10000, "Initial balance of each account in minor units")
	flag.StringVar(&out, "out", "accounts.txt", "File receiving the created account ids, one per line")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if total <= 0 || balance < 0 {
		logger.Error("accounts must be positive and balance non-negative")
		os.Exit(1)
	}

	cfg, err := config.LoadDatabase()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, cfg.GetDBURL())
	if err != nil {
		logger.Error("Unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	logger.Info("Seeding accounts", "accounts", total, "balance", balance)

	now := time.Now().UTC()
	ids := make([]uuid.UUID, total)
	rows := make([][]interface{}, total)
	for i := range rows {
		ids[i] = uuid.New()
		rows[i] = []interface{}{ids[i], "", balance, now, now}
	}

	// Bulk insert using CopyFrom
	copied, err := conn.CopyFrom(
		ctx,
		pgx.Identifier{"accounts"},
		[]string{"id", "display_name", "balance", "created_at", "updated_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		logger.Error("Bulk insert failed", "error", err)
		os.Exit(1)
	}

	if err := writeIDs(out, ids); err != nil {
		logger.Error("Failed to write account ids", "file", out, "error", err)
		os.Exit(1)
	}

	logger.Info("Successfully seeded accounts", "accounts", copied, "file", out)
}

func writeIDs(path string, ids []uuid.UUID) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, id := range ids {
		if _, err := w.WriteString(id.String() + "\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}
