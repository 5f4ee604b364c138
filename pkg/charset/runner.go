package charset

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// ConverterRunner abstracts the external conversion tool so tests can
// substitute a mock.
type ConverterRunner interface {
	// Probe reports whether the converter can be executed.
	Probe() bool

	// Convert transcodes raw bytes from one named encoding to another.
	Convert(from, to string, raw []byte) ([]byte, error)
}

// convertTimeout bounds a single external conversion. A wedged converter
// process must not stall the poll loop indefinitely.
const convertTimeout = 30 * time.Second

// execConverterRunner shells out to iconv.
type execConverterRunner struct{}

func (e *execConverterRunner) Probe() bool {
	_, err := exec.LookPath("iconv")
	return err == nil
}

func (e *execConverterRunner) Convert(from, to string, raw []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), convertTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "iconv", "-f", from, "-t", to)
	cmd.Stdin = bytes.NewReader(raw)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("iconv timed out after %s", convertTimeout)
		}
		return nil, fmt.Errorf("iconv %s -> %s: %w (stderr: %s)", from, to, err, stderr.String())
	}
	return stdout.Bytes(), nil
}
