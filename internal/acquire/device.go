package acquire

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// outputPlaceholder is replaced with the capture destination in camera commands
const outputPlaceholder = "{output}"

// CommandCamera captures photos by running an external program,
// e.g. "libcamera-still -n -o {output}" or "fswebcam --no-banner {output}".
type CommandCamera struct {
	args []string
}

// NewCommandCamera parses a camera command line. When no {output}
// placeholder is present the destination is appended as the last argument.
func NewCommandCamera(command string) (*CommandCamera, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, fmt.Errorf("camera command is required")
	}
	return &CommandCamera{args: args}, nil
}

// Capture implements Capturer
func (c *CommandCamera) Capture(ctx context.Context, dest string) error {
	args := make([]string, 0, len(c.args)+1)
	replaced := false
	for _, a := range c.args {
		if strings.Contains(a, outputPlaceholder) {
			a = strings.ReplaceAll(a, outputPlaceholder, dest)
			replaced = true
		}
		args = append(args, a)
	}
	if !replaced {
		args = append(args, dest)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		// 130 is the conventional exit status after Ctrl-C
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 130 {
			return ErrCancelled
		}
		return fmt.Errorf("running camera command: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// PathPicker always picks the same path. An empty path means cancel.
type PathPicker string

// Pick implements Picker
func (p PathPicker) Pick(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return string(p), nil
}

// PromptPicker asks for an image path on a terminal
type PromptPicker struct {
	in  *bufio.Reader
	out io.Writer
}

// NewPromptPicker creates a PromptPicker reading paths from in
func NewPromptPicker(in io.Reader, out io.Writer) *PromptPicker {
	return &PromptPicker{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Pick implements Picker
func (p *PromptPicker) Pick(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fmt.Fprint(p.out, "Image path (leave empty to cancel): ")
	line, err := p.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading image path: %w", err)
	}
	return strings.TrimSpace(line), nil
}
