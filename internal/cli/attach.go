package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"maxidomd/internal/capture"
	"maxidomd/internal/lockdown"
	"maxidomd/internal/logging"
	"maxidomd/internal/surface"
)

func init() {
	rootCmd.AddCommand(attachCmd)
}

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach this terminal as a surface",
	Long: "Every line typed is reported to the daemon as keystrokes. When the daemon\n" +
		"challenges, the terminal is locked and the next line is taken as the password.",
	RunE: runAttach,
}

// termOverlay renders the challenge as a banner on a terminal.
type termOverlay struct {
	mu      sync.Mutex
	w       io.Writer
	mounted bool
}

func (o *termOverlay) Mount(c lockdown.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.mounted = true
	switch c {
	case lockdown.Enrollment:
		fmt.Fprintln(o.w, "\n*** maxidomd: choose a password to enroll ***")
	case lockdown.Bootstrapping:
		fmt.Fprintln(o.w, "\n*** maxidomd: enter your password to resume baselining ***")
	default:
		fmt.Fprintln(o.w, "\n*** maxidomd: unusual activity, locked. Enter your password ***")
	}
	return nil
}

func (o *termOverlay) Unmount() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.mounted {
		fmt.Fprintln(o.w, "*** unlocked ***")
	}
	o.mounted = false
}

func (o *termOverlay) Present() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mounted
}

func (o *termOverlay) Error(msg string) {
	fmt.Fprintf(o.w, "!!! %s\n", msg)
}

func runAttach(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := dialHub(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	guard := surface.NewGuard(&termOverlay{w: cmd.ErrOrStderr()}, 0, logging.Discard())
	go guard.Watch(ctx)
	go func() {
		for d := range c.Directives() {
			guard.Apply(d)
		}
	}()
	if err := c.Ready(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "attached as %s; type to generate activity, Ctrl-D to detach\n", c.Ref())

	lines := make(chan string)
	go func() {
		defer close(lines)
		for {
			ctxt, engaged := guard.Engaged()
			var (
				line string
				err  error
			)
			if engaged && ctxt != lockdown.Enrollment {
				line, err = readPassword("password: ")
			} else {
				line, err = readLine()
			}
			if err != nil {
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return fmt.Errorf("hub closed the connection: %v", c.Err())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := handleLine(c, guard, line); err != nil {
				return err
			}
		}
	}
}

// handleLine answers the challenge when one is engaged, or reports the
// line as keystrokes.
func handleLine(c *surface.Client, guard *surface.Guard, line string) error {
	if ctxt, engaged := guard.Engaged(); engaged {
		if ctxt == lockdown.Enrollment {
			return c.Enroll(line)
		}
		return c.Verify(line)
	}

	var events []capture.Input
	for _, in := range lineInputs(line) {
		if guard.Permit(in) {
			events = append(events, in)
		}
	}
	return c.Input(events...)
}

// lineInputs turns typed text into keydown/keyup pairs followed by Enter.
// Timestamps are left to the daemon clock.
func lineInputs(line string) []capture.Input {
	out := make([]capture.Input, 0, 2*len(line)+2)
	press := func(code string) {
		out = append(out,
			capture.Input{Type: "keydown", Code: code},
			capture.Input{Type: "keyup", Code: code})
	}
	for _, r := range line {
		press(keyCode(r))
	}
	press("Enter")
	return out
}

// keyCode maps a rune to a physical key code in the DOM KeyboardEvent.code
// naming, so terminal and browser surfaces produce comparable sessions.
func keyCode(r rune) string {
	switch {
	case r >= 'a' && r <= 'z':
		return "Key" + string(r-'a'+'A')
	case r >= 'A' && r <= 'Z':
		return "Key" + string(r)
	case r >= '0' && r <= '9':
		return "Digit" + string(r)
	case r == ' ':
		return "Space"
	case r == '\t':
		return "Tab"
	case r == '-' || r == '_':
		return "Minus"
	case r == '.' || r == '>':
		return "Period"
	case r == ',' || r == '<':
		return "Comma"
	case r == '/' || r == '?':
		return "Slash"
	}
	return "Unidentified"
}
