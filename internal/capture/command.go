package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/saturnino-fabrica-de-software/rekko-kiosk/internal/domain"
)

// CommandSource runs an external frame grabber (for example
// `fswebcam --no-banner -`) once per capture and treats its stdout as the
// image. Stderr is kept for diagnostics.
type CommandSource struct {
	name         string
	args         []string
	timeout      time.Duration
	maxDimension int
}

func NewCommandSource(commandLine string, timeout time.Duration, maxDimension int) (*CommandSource, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("capture command is empty")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CommandSource{
		name:         fields[0],
		args:         fields[1:],
		timeout:      timeout,
		maxDimension: maxDimension,
	}, nil
}

// safeCommand wraps exec.Cmd with buffers for stdout and stderr so that a
// failing grabber's output is not lost.
type safeCommand struct {
	*exec.Cmd
	Stdout *bytes.Buffer
	Stderr *bytes.Buffer
}

func newSafeCommand(ctx context.Context, name string, args ...string) *safeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	return &safeCommand{Cmd: cmd, Stdout: stdout, Stderr: stderr}
}

func (s *CommandSource) Capture(ctx context.Context) (domain.Frame, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := newSafeCommand(ctx, s.name, s.args...)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w", s.name, ctx.Err())
		}
		if msg := strings.TrimSpace(cmd.Stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return domain.Frame{}, deviceErr(err)
	}

	if cmd.Stdout.Len() == 0 {
		return domain.Frame{}, deviceErr(fmt.Errorf("%s produced no image", s.name))
	}

	frame, err := NewFrame(cmd.Stdout.Bytes(), s.maxDimension)
	if err != nil {
		return domain.Frame{}, deviceErr(fmt.Errorf("%s: %w", s.name, err))
	}
	return frame, nil
}
