package codec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	conf "github.com/mirrorlabs/scanforge/internal/config"
)

// Result is the outcome of one transform run.
type Result struct {
	Output     []byte
	InputSize  int64
	OutputSize int64
}

// Engine drives the external point-cloud codec binary. The binary reads a raw
// scan, writes the compact encoding and reports progress as "progress=<n>"
// lines on stdout (one per tick, 0..100).
type Engine struct {
	binPath string
	tempDir string
	timeout time.Duration
}

func NewEngine(cfg conf.CodecConfig) *Engine {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Engine{
		binPath: cfg.BinPath,
		tempDir: tempDir,
		timeout: cfg.Timeout,
	}
}

// Probe verifies the codec binary is present and responsive. Workers call it
// at startup and refuse to run without it, so a missing binary surfaces once
// at boot instead of failing every job at first dispatch.
func (e *Engine) Probe(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.binPath, "--version")
	out, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("codec binary %q not available: %w", e.binPath, err)
	}
	version := strings.TrimSpace(string(out))
	if version == "" {
		return fmt.Errorf("codec binary %q returned empty version", e.binPath)
	}
	return nil
}

// Transform converts the raw input into the compact encoding. onProgress is
// invoked with 0..100 percentages as the codec reports them; callbacks never
// go backwards and each one completes before the next line is consumed.
func (e *Engine) Transform(ctx context.Context, input []byte, sourceFormat string, onProgress func(pct int)) (Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	runID := uuid.NewString()
	inputPath := filepath.Join(e.tempDir, fmt.Sprintf("%s-input.%s", runID, strings.TrimPrefix(sourceFormat, ".")))
	outputPath := filepath.Join(e.tempDir, runID+"-output.drc")

	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		return Result{}, fmt.Errorf("write codec input: %w", err)
	}
	defer os.Remove(inputPath)
	defer os.Remove(outputPath)

	cmd := exec.CommandContext(ctx, e.binPath,
		"-i", inputPath,
		"-o", outputPath,
		"--progress",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("codec start: %w", err)
	}

	consumeProgress(stdout, onProgress)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return Result{}, fmt.Errorf("codec run: %w", ctx.Err())
		}
		return Result{}, fmt.Errorf("codec run: %w - %s", err, strings.TrimSpace(stderrBuf.String()))
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return Result{}, fmt.Errorf("read codec output: %w", err)
	}

	return Result{
		Output:     output,
		InputSize:  int64(len(input)),
		OutputSize: int64(len(output)),
	}, nil
}

// consumeProgress parses "progress=<n>" lines. Malformed or regressing values
// are dropped so downstream observers only ever see a non-decreasing series.
func consumeProgress(r io.Reader, onProgress func(pct int)) {
	if onProgress == nil {
		onProgress = func(int) {}
	}
	scanner := bufio.NewScanner(r)
	last := -1
	for scanner.Scan() {
		pct, ok := parseProgressLine(scanner.Text())
		if !ok || pct <= last {
			continue
		}
		last = pct
		onProgress(pct)
	}
}

func parseProgressLine(line string) (int, bool) {
	value, ok := strings.CutPrefix(strings.TrimSpace(line), "progress=")
	if !ok {
		return 0, false
	}
	pct, err := strconv.Atoi(value)
	if err != nil || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
