package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"maxidomd/internal/config"
	"maxidomd/internal/instance"
	"maxidomd/internal/store"
	"maxidomd/internal/surface"
)

var (
	statusJSON  bool
	statusLimit int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
	statusCmd.Flags().IntVar(&statusLimit, "limit", 5, "Number of recent sessions to show")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the operating mode and recent sessions",
	Long: "Reads the persisted state and session log. When the daemon is running its live\n" +
		"status (unlock state, attached surfaces) is fetched from the hub as well.",
	RunE: runStatus,
}

type statusReport struct {
	Running  bool                    `json:"running"`
	PID      int                     `json:"pid,omitempty"`
	Live     *surface.StatusResponse `json:"live,omitempty"`
	Identity string                  `json:"identity"`
	Mode     string                  `json:"mode"`
	Progress json.RawMessage         `json:"progress,omitempty"`
	Stats    *store.Stats            `json:"stats"`
	Recent   []store.SessionRecord   `json:"recent"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		return fmt.Errorf("no state at %s; start the daemon with 'maxidomd run'", cfg.Storage.Path)
	}

	st, err := store.OpenWithTimeout(cfg.Storage.Path, cfg.BusyTimeout())
	if err != nil {
		return err
	}
	defer st.Close()

	state, err := st.LoadState()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	stats, err := st.GetStats()
	if err != nil {
		return fmt.Errorf("session stats: %w", err)
	}
	recent, err := st.RecentSessions(statusLimit)
	if err != nil {
		return fmt.Errorf("recent sessions: %w", err)
	}

	rep := statusReport{
		PID:      instance.HolderPID(filepath.Dir(cfg.Storage.Path)),
		Identity: state.Identity,
		Mode:     state.Mode,
		Progress: state.Progress,
		Stats:    stats,
		Recent:   recent,
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	if live, err := fetchLiveStatus(ctx, cfg); err == nil {
		rep.Running = true
		rep.Live = live
	}
	if !rep.Running {
		rep.PID = 0
	}

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printStatus(cmd, rep)
	return nil
}

func fetchLiveStatus(ctx context.Context, cfg *config.Config) (*surface.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hubURL(cfg, "http", "/api/status"), nil)
	if err != nil {
		return nil, err
	}
	if cfg.Server.AuthToken != "" {
		req.Header.Set(surface.TokenHeader, cfg.Server.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errDaemonUnreachable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status: HTTP %d", resp.StatusCode)
	}
	var out surface.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &out, nil
}

func printStatus(cmd *cobra.Command, rep statusReport) {
	w := cmd.OutOrStdout()
	mode := rep.Mode
	if mode == "" {
		mode = "enrolling (not yet started)"
	}

	fmt.Fprintln(w, "=== maxidomd status ===")
	if rep.Running {
		fmt.Fprintf(w, "Daemon:     running (pid %d)\n", rep.PID)
	} else {
		fmt.Fprintln(w, "Daemon:     not running")
	}
	fmt.Fprintf(w, "Identity:   %s\n", orDash(rep.Identity))
	if rep.Live != nil {
		mode = rep.Live.Mode
		fmt.Fprintf(w, "Mode:       %s\n", mode)
		fmt.Fprintf(w, "Unlocked:   %v\n", rep.Live.Unlocked)
		fmt.Fprintf(w, "Surfaces:   %d\n", rep.Live.Surfaces)
	} else {
		fmt.Fprintf(w, "Mode:       %s\n", mode)
	}
	if len(rep.Progress) > 0 {
		fmt.Fprintf(w, "Progress:   %s\n", rep.Progress)
	}

	s := rep.Stats
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Sessions:   %d (%d forwarded, %d passive, %d noise)\n",
		s.Sessions, s.Forwarded, s.Passive, s.Noise)
	fmt.Fprintf(w, "Anomalies:  %d\n", s.Anomalies)
	if !s.LastClose.IsZero() {
		fmt.Fprintf(w, "Last close: %s\n", s.LastClose.Local().Format(time.RFC3339))
	}

	if len(rep.Recent) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Recent sessions:")
	for _, r := range rep.Recent {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(w, "  %s  %-12s %-10s keys=%-4d clicks=%-3d paths=%-3d %s\n",
			r.ClosedAt.Local().Format("2006-01-02 15:04:05"),
			r.Reason, r.Disposition, r.KeyEvents, r.Clicks, r.Paths, outcome)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
