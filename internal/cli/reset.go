package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"maxidomd/internal/surface"
)

var resetYes bool

func init() {
	rootCmd.AddCommand(resetCmd)
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
}

var resetCmd = &cobra.Command{
	Use:   "reset-profile",
	Short: "Discard the behavioral baseline and start over",
	Long: "Asks the daemon to delete the profile held by the classification service.\n" +
		"On success the daemon returns to Baselining and every surface is asked for\n" +
		"the password before capture resumes. The enrolled password is kept.",
	RunE: runReset,
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !resetYes && !confirm("Discard the current baseline?") {
		return errors.New("aborted")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hubURL(cfg, "http", "/api/reset_profile"), nil)
	if err != nil {
		return err
	}
	if cfg.Server.AuthToken != "" {
		req.Header.Set(surface.TokenHeader, cfg.Server.AuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errDaemonUnreachable
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("reset rejected: HTTP %d", resp.StatusCode)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Reset requested. Check 'maxidomd status' for the new mode.")
	return nil
}
