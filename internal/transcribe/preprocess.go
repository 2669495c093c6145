package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// soxEffects resample to 16kHz mono, cut desk rumble and mains hum below
// 80Hz, and normalize to -1dBFS.
var soxEffects = []string{"rate", "16000", "channels", "1", "highpass", "80", "norm", "-1"}

// Sox cleans up microphone audio before upload by piping it through sox.
type Sox struct {
	bin string
}

// LookupSox finds sox in PATH.
func LookupSox() (*Sox, error) {
	bin, err := exec.LookPath("sox")
	if err != nil {
		return nil, fmt.Errorf("sox not found: %w", err)
	}
	return &Sox{bin: bin}, nil
}

func (s *Sox) args() []string {
	args := []string{"-q", "-t", "wav", "-", "-t", "wav", "-b", "16", "-"}
	return append(args, soxEffects...)
}

// Process runs a WAV file held in memory through the effect chain and
// returns the processed WAV.
func (s *Sox) Process(ctx context.Context, wav []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.bin, s.args()...)
	cmd.Stdin = bytes.NewReader(wav)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("sox: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("sox produced no output")
	}
	return stdout.Bytes(), nil
}
