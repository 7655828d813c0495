package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/attendance"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/audit"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/auth"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/capture"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/database"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/kiosk"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/recognition"
	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/repository"
)

type runOptions struct {
	Token       string
	Source      string
	Location    string
	Interval    time.Duration
	MaxCaptures int
	Retries     int
	Yes         bool
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Mark attendance from the kiosk camera",
	Long: `Runs one attendance attempt in the terminal: the camera is polled until a
face is detected, the liveness steps are captured, and attendance is submitted
after confirmation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWizard(cmd.Context(), runOpts, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringVar(&runOpts.Token, "token", "", "Access token (default $KIOSK_TOKEN)")
	runCmd.Flags().StringVar(&runOpts.Source, "source", "", "Capture source, dir:<path> or cmd:<command> (default $CAPTURE_SOURCE)")
	runCmd.Flags().StringVar(&runOpts.Location, "location", "", "Attendance location (default $KIOSK_LOCATION)")
	runCmd.Flags().DurationVar(&runOpts.Interval, "interval", time.Second, "Pause between camera captures")
	runCmd.Flags().IntVar(&runOpts.MaxCaptures, "max-captures", 20, "Give up after this many captures")
	runCmd.Flags().IntVar(&runOpts.Retries, "retries", 1, "Retries after a recoverable submission error")
	runCmd.Flags().BoolVarP(&runOpts.Yes, "yes", "y", false, "Submit without asking for confirmation")
	rootCmd.AddCommand(runCmd)
}

func runWizard(ctx context.Context, opts runOptions, in io.Reader, out io.Writer) error {
	token, err := tokenFlag(opts.Token)
	if err != nil {
		return err
	}

	identity, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTLifetime).Identity(token)
	if err != nil {
		return fmt.Errorf("access token rejected: %w", err)
	}

	sourceSpec := opts.Source
	if sourceSpec == "" {
		sourceSpec = cfg.CaptureSource
	}
	if sourceSpec == "" {
		return errors.New("no capture source: pass --source or set CAPTURE_SOURCE")
	}
	source, err := capture.Parse(sourceSpec, cfg.CaptureTimeout, cfg.CaptureMaxDimension)
	if err != nil {
		return err
	}

	recorder, closeRecorder := openRecorder(ctx)
	defer closeRecorder()

	manager := kiosk.NewManager(kiosk.Config{
		Thresholds: attendance.Thresholds{
			FaceConfidence:       cfg.FaceConfidenceThreshold,
			Liveness:             cfg.LivenessThreshold,
			LowConfidenceWarning: cfg.LowConfidenceWarning,
		},
		Location:       cfg.Location,
		RequestTimeout: cfg.RecognitionTimeout,
	}, kiosk.Dependencies{
		Recognizer: recognition.NewClient(recognition.Config{
			BaseURL: cfg.RecognitionURL,
			Timeout: cfg.RecognitionTimeout,
		}),
		Device:   capture.NewDevice(source),
		Audit:    audit.NewSlogLogger(logger),
		Recorder: recorder,
		Logger:   logger,
	})
	defer manager.Close(context.Background())

	fmt.Fprintf(out, "Signed in as %s", identity.UserID)
	if identity.Email != "" {
		fmt.Fprintf(out, " (%s)", identity.Email)
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Look at the camera.")

	session, err := manager.Create(ctx, identity, kiosk.CreateOptions{
		Location:  opts.Location,
		UseDevice: true,
	})
	if err != nil {
		return err
	}

	w := &wizard{
		out:     out,
		in:      bufio.NewReader(in),
		session: session,
		opts:    opts,
	}
	unsubscribe := session.Subscribe(w.render)
	defer unsubscribe()
	w.render(session.Snapshot())

	return w.drive(ctx)
}

// openRecorder journals CLI attempts when a database is configured. A
// journal that cannot be reached never blocks marking attendance.
func openRecorder(ctx context.Context) (kiosk.Recorder, func()) {
	if !cfg.HasDatabase() {
		return repository.NoOpRecorder{}, func() {}
	}

	pool, err := database.NewPool(ctx, database.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		logger.Warn("attempt journal unavailable", "error", err)
		return repository.NoOpRecorder{}, func() {}
	}
	return repository.NewAttemptRepository(pool), pool.Close
}

type wizard struct {
	out     io.Writer
	in      *bufio.Reader
	session *attendance.Session
	opts    runOptions

	// render state, only touched from the session's emit path
	bar        *progressbar.ProgressBar
	lastErr    string
	lastPrompt string
}

func (w *wizard) drive(ctx context.Context) error {
	captures, retries := 1, 0

	for {
		snap := w.session.Snapshot()

		switch snap.Phase {
		case domain.PhaseDetecting, domain.PhaseLivenessInProgress:
			if captures >= w.opts.MaxCaptures {
				w.session.Reset()
				return fmt.Errorf("gave up after %d captures", captures)
			}
			select {
			case <-ctx.Done():
				w.session.Reset()
				return ctx.Err()
			case <-time.After(w.opts.Interval):
			}
			w.session.Capture(ctx)
			captures++

		case domain.PhaseConfirming:
			if !w.opts.Yes && !w.ask("Submit attendance? [Y/n] ") {
				w.session.Reset()
				fmt.Fprintln(w.out, "Cancelled.")
				return nil
			}
			w.session.Confirm(ctx)

		case domain.PhaseSucceeded:
			w.finishBar()
			if o := snap.Outcome; o != nil {
				fmt.Fprintf(w.out, "Attendance marked: %s %s (%s), record %s\n", o.Date, o.TimeIn, o.Status, o.AttendanceRecordID)
			} else {
				fmt.Fprintln(w.out, "Attendance marked.")
			}
			return nil

		case domain.PhaseFailed:
			w.finishBar()
			if snap.CanRetry && retries < w.opts.Retries {
				retries++
				fmt.Fprintln(w.out, "Retrying...")
				w.session.Retry(ctx)
				continue
			}
			if snap.Error != nil {
				return snap.Error
			}
			return errors.New("attendance attempt failed")

		default:
			return nil
		}
	}
}

func (w *wizard) ask(prompt string) bool {
	fmt.Fprint(w.out, prompt)
	line, err := w.in.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "" || answer == "y" || answer == "yes"
}

// render prints what changed since the previous snapshot.
func (w *wizard) render(snap domain.Snapshot) {
	if snap.Error != nil && snap.Error.Message != w.lastErr {
		w.lastErr = snap.Error.Message
		fmt.Fprintln(w.out, snap.Error.Message)
	}
	if snap.Error == nil {
		w.lastErr = ""
	}

	if snap.Phase != domain.PhaseLivenessInProgress && snap.Phase != domain.PhaseConfirming {
		return
	}

	if w.bar == nil && len(snap.Steps) > 0 {
		w.bar = progressbar.NewOptions(len(snap.Steps),
			progressbar.OptionSetDescription("Liveness"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
		)
	}
	if w.bar != nil {
		captured := 0
		for _, step := range snap.Steps {
			if step.Captured {
				captured++
			}
		}
		_ = w.bar.Set(captured)
	}

	if snap.Prompt != "" && snap.Prompt != w.lastPrompt {
		w.lastPrompt = snap.Prompt
		fmt.Fprintln(w.out, snap.Prompt)
	}
}

func (w *wizard) finishBar() {
	if w.bar != nil {
		_ = w.bar.Finish()
		fmt.Fprintln(os.Stderr)
		w.bar = nil
	}
}
