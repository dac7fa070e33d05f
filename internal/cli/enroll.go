package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"maxidomd/internal/config"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/surface"
)

var enrollTimeout time.Duration

func init() {
	rootCmd.AddCommand(enrollCmd)
	enrollCmd.Flags().DurationVar(&enrollTimeout, "timeout", 30*time.Second, "How long to wait for the daemon")
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Choose the challenge password on first run",
	Long: "Attaches to the running daemon as a surface and answers the enrollment\n" +
		"challenge. Baselining starts once the classification service accepts the\n" +
		"password.",
	RunE: runEnroll,
}

// dialHub attaches to the local hub as a surface.
func dialHub(ctx context.Context, cfg *config.Config) (*surface.Client, error) {
	c, err := surface.Dial(ctx, hubURL(cfg, "ws", "/ws"), cfg.Server.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDaemonUnreachable, err)
	}
	return c, nil
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), enrollTimeout)
	defer cancel()

	c, err := dialHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.Ready(); err != nil {
		return err
	}

	d, err := nextDirective(ctx, c)
	if err != nil {
		return err
	}
	if d.Action != lockdown.ShowChallenge || d.Context != lockdown.Enrollment {
		return errors.New("already enrolled; use 'maxidomd reset-profile' to start a new baseline")
	}

	password, err := readPassword("New password: ")
	if err != nil {
		return err
	}
	again, err := readPassword("Repeat password: ")
	if err != nil {
		return err
	}
	if password == "" || password != again {
		return errors.New("passwords are empty or do not match")
	}

	if err := c.Enroll(password); err != nil {
		return err
	}
	for {
		d, err := nextDirective(ctx, c)
		if err != nil {
			return err
		}
		switch d.Action {
		case lockdown.HideChallenge:
			fmt.Fprintln(cmd.OutOrStdout(), "Enrolled. Baselining has started.")
			return nil
		case lockdown.ShowError:
			return fmt.Errorf("enrollment rejected: %s", d.Message)
		}
	}
}

func nextDirective(ctx context.Context, c *surface.Client) (lockdown.Directive, error) {
	select {
	case d, ok := <-c.Directives():
		if !ok {
			if err := c.Err(); err != nil {
				return lockdown.Directive{}, fmt.Errorf("connection closed: %w", err)
			}
			return lockdown.Directive{}, errors.New("connection closed")
		}
		return d, nil
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "no answer from the daemon")
		return lockdown.Directive{}, ctx.Err()
	}
}
