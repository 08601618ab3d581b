// Package archiver implements the reservation archival sweep command. It
// retires active and cancelled reservations that ended before a threshold.
package archiver

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	platformcmd "github.com/roomclerk/roomclerk/internal/platform/cmd"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/app"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/domain"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/notify"
	"github.com/roomclerk/roomclerk/internal/services/scheduling/storage/sqlite"
)

// Config holds archiver command configuration.
type Config struct {
	DBPath     string        `env:"ROOMCLERK_DB_PATH"`
	Timeout    time.Duration `env:"ROOMCLERK_ARCHIVER_TIMEOUT" envDefault:"5m"`
	Days       int
	Threshold  string
	DryRun     bool
	JSONOutput bool
}

// ParseConfig loads environment defaults and parses flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := platformcmd.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Days = 1
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "scheduling.db")
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to scheduling sqlite database (default: ROOMCLERK_DB_PATH or data/scheduling.db)")
	fs.IntVar(&cfg.Days, "days", cfg.Days, "archive reservations that ended more than this many days ago")
	fs.StringVar(&cfg.Threshold, "threshold", "", "explicit RFC3339 archive threshold (overrides -days)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "list archive candidates without archiving")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output a JSON report")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveThreshold computes the archive cutoff from the config. An explicit
// -threshold wins over -days.
func resolveThreshold(cfg Config, now time.Time) (time.Time, error) {
	if strings.TrimSpace(cfg.Threshold) != "" {
		threshold, err := time.Parse(time.RFC3339, strings.TrimSpace(cfg.Threshold))
		if err != nil {
			return time.Time{}, fmt.Errorf("parse -threshold: %w", err)
		}
		return threshold.UTC(), nil
	}
	if cfg.Days < 0 {
		return time.Time{}, errors.New("-days must be >= 0")
	}
	return now.UTC().Add(-time.Duration(cfg.Days) * 24 * time.Hour), nil
}

// Run executes the archival sweep command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	threshold, err := resolveThreshold(cfg, time.Now())
	if err != nil {
		return err
	}

	store, err := openStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close store: %v\n", closeErr)
		}
	}()

	dispatcher := notify.NewDispatcher(
		[]notify.Sink{notify.LogSink{Logger: log.New(errOut, "", log.LstdFlags)}},
	)
	defer dispatcher.Close()

	service := app.NewService(store, app.WithDispatcher(dispatcher))
	return runWithDeps(ctx, cfg, threshold, service, out, errOut)
}

type sweepReport struct {
	Mode       string         `json:"mode"`
	Threshold  string         `json:"threshold"`
	Archived   int            `json:"archived"`
	Candidates []candidateRow `json:"candidates,omitempty"`
}

type candidateRow struct {
	ReservationID int64  `json:"reservation_id"`
	RoomID        int64  `json:"room_id"`
	CreatorID     int64  `json:"creator_id"`
	StartAt       string `json:"start_at"`
	EndAt         string `json:"end_at"`
	Status        string `json:"status"`
}

// runWithDeps contains the sweep logic with an injectable service.
func runWithDeps(ctx context.Context, cfg Config, threshold time.Time, service sweeper, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	report := sweepReport{
		Mode:      "archive",
		Threshold: threshold.Format(time.RFC3339),
	}

	if cfg.DryRun {
		report.Mode = "dry-run"
		candidates, err := service.ListArchiveCandidates(ctx, threshold)
		if err != nil {
			return fmt.Errorf("list archive candidates: %w", err)
		}
		report.Archived = 0
		for _, reservation := range candidates {
			report.Candidates = append(report.Candidates, candidateRow{
				ReservationID: reservation.ID,
				RoomID:        reservation.RoomID,
				CreatorID:     reservation.CreatorID,
				StartAt:       reservation.StartAt.UTC().Format(time.RFC3339),
				EndAt:         reservation.EndAt.UTC().Format(time.RFC3339),
				Status:        domain.StatusLabel(reservation.Status),
			})
		}
		return printReport(out, report, cfg.JSONOutput)
	}

	archived, err := service.ArchiveOlderThan(ctx, threshold)
	if err != nil {
		return fmt.Errorf("archive reservations: %w", err)
	}
	report.Archived = archived
	return printReport(out, report, cfg.JSONOutput)
}

func printReport(out io.Writer, report sweepReport, jsonOutput bool) error {
	if jsonOutput {
		encoded, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
		fmt.Fprintln(out, string(encoded))
		return nil
	}

	if report.Mode == "dry-run" {
		fmt.Fprintf(out, "Would archive %d reservations ended before %s\n", len(report.Candidates), report.Threshold)
		for _, candidate := range report.Candidates {
			fmt.Fprintf(
				out,
				"- reservation %d room=%d creator=%d [%s, %s) status=%s\n",
				candidate.ReservationID,
				candidate.RoomID,
				candidate.CreatorID,
				candidate.StartAt,
				candidate.EndAt,
				candidate.Status,
			)
		}
		return nil
	}
	fmt.Fprintf(out, "Archived %d reservations ended before %s\n", report.Archived, report.Threshold)
	return nil
}

func openStore(path string) (*sqlite.Store, error) {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == "" {
		return nil, errors.New("db path is required")
	}
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("open scheduling store: %w", err)
	}
	return store, nil
}
