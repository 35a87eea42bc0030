// Package extractrunner shells out to the external extractor for one work
// item. The extraction itself (portal automation, captcha handling) lives in
// that binary; this side only owns the process contract.
package extractrunner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/mahabhulekh/ferfar-extracts/internal/workitem"
)

var (
	ErrInvalidConfig = errors.New("extractrunner: invalid config")
	// ErrExtractFailed wraps a run the extractor itself reported as failed.
	ErrExtractFailed = errors.New("extractrunner: extract failed")
)

type execCommandFn func(ctx context.Context, bin string, args []string, stdin []byte) (stdout, stderr []byte, err error)

type Config struct {
	// Binary is the extractor command. It receives the work item JSON on
	// stdin and must print a ferfar.extract.result.v1 JSON object on stdout.
	Binary string
	Args   []string

	// MaxResponseBytes bounds the decoded stdout. Defaults to 64 MiB.
	MaxResponseBytes int
}

type Runner struct {
	bin              string
	args             []string
	maxResponseBytes int
	execCommand      execCommandFn
}

func New(cfg Config) (*Runner, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("%w: missing extractor binary", ErrInvalidConfig)
	}
	maxBytes := cfg.MaxResponseBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Runner{
		bin:              strings.TrimSpace(cfg.Binary),
		args:             append([]string(nil), cfg.Args...),
		maxResponseBytes: maxBytes,
		execCommand:      runExecCommand,
	}, nil
}

type resultEnvelope struct {
	Version   string `json:"version"`
	ID        int64  `json:"id"`
	PDFBase64 string `json:"pdf_base64"`
	Error     string `json:"error"`
}

// Extract runs the extractor and returns the PDF bytes for the work item.
func (r *Runner) Extract(ctx context.Context, w workitem.WorkItem) ([]byte, error) {
	if r == nil || r.bin == "" {
		return nil, fmt.Errorf("%w: nil runner", ErrInvalidConfig)
	}
	input, err := w.Encode()
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := r.execCommand(ctx, r.bin, r.args, input)
	if err != nil {
		msg := strings.TrimSpace(string(stderr))
		if msg == "" {
			msg = strings.TrimSpace(string(stdout))
		}
		return nil, fmt.Errorf("%w: job %d: %v: %s", ErrExtractFailed, w.ID, err, msg)
	}
	if len(stdout) > r.maxResponseBytes {
		return nil, fmt.Errorf("%w: job %d: response exceeds %d bytes", ErrExtractFailed, w.ID, r.maxResponseBytes)
	}

	var res resultEnvelope
	if err := json.Unmarshal(stdout, &res); err != nil {
		return nil, fmt.Errorf("%w: job %d: decode result: %v", ErrExtractFailed, w.ID, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: job %d: %s", ErrExtractFailed, w.ID, res.Error)
	}
	if res.ID != 0 && res.ID != w.ID {
		return nil, fmt.Errorf("%w: job %d: result is for job %d", ErrExtractFailed, w.ID, res.ID)
	}

	pdf, err := base64.StdEncoding.DecodeString(res.PDFBase64)
	if err != nil {
		return nil, fmt.Errorf("%w: job %d: decode pdf: %v", ErrExtractFailed, w.ID, err)
	}
	if len(pdf) == 0 {
		return nil, fmt.Errorf("%w: job %d: empty pdf", ErrExtractFailed, w.ID)
	}
	return pdf, nil
}

func runExecCommand(ctx context.Context, bin string, args []string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
