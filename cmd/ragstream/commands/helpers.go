package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/54b3r/ragstream-go/internal/ingest"
	"github.com/54b3r/ragstream-go/internal/store"
)

// historyDBEnv overrides the session journal path; "disabled" turns it off.
const historyDBEnv = "RAGSTREAM_HISTORY_DB"

// getEnvOrDefault returns the value of key, or fallback when unset or empty.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt returns key parsed as an int, or fallback when unset or invalid.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// envFloat returns key parsed as a float64, or fallback when unset or invalid.
func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// openJournal opens the SQLite session journal unless it is disabled. A
// journal that cannot be opened is logged and skipped; sessions then live
// in memory only.
func openJournal(log *slog.Logger) *store.SQLiteJournal {
	dbPath := os.Getenv(historyDBEnv)
	if dbPath == "disabled" {
		log.Info("history: disabled via " + historyDBEnv + "=disabled")
		return nil
	}
	if dbPath == "" {
		var err error
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			log.Warn("history: could not resolve default DB path, disabling", slog.Any("error", err))
			return nil
		}
	}
	j, err := store.Open(dbPath)
	if err != nil {
		log.Warn("history: failed to open store, disabling", slog.Any("error", err))
		return nil
	}
	log.Info("history: store opened", slog.String("path", dbPath))
	return j
}

// printReport writes one line per document and a summary line.
func printReport(w io.Writer, rep ingest.Report) {
	for _, o := range rep.Documents {
		line := fmt.Sprintf("%-8s %s", o.Status, o.Source)
		if o.Chunks > 0 {
			line += fmt.Sprintf(" (%d chunks)", o.Chunks)
		}
		if o.Err != nil {
			line += ": " + o.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%s\ningested %d, skipped %d, chunks %d\n",
		strings.Repeat("-", 40), rep.Ingested, rep.Skipped, rep.Chunks)
}
