package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/ivanlee1999/obsidian-garmin-smart-analysis/internal/config"
)

var (
	ErrTimeout  = errors.New("activity source timed out")
	ErrProtocol = errors.New("activity source protocol mismatch")
)

// UpstreamError carries the adapter's own failure message, reported through
// its {"error": ...} payload on a non-zero exit.
type UpstreamError struct {
	Message string
}

func (e *UpstreamError) Error() string {
	return "activity source failed: " + e.Message
}

type PollOutcome struct {
	HasNew      bool
	ActivityIDs []string
	Count       int
}

type adapterRequest struct {
	Since string `json:"since"`
	Now   string `json:"now"`
	Limit int    `json:"limit"`
}

// Pointer fields distinguish "absent" from zero values so a response missing
// required fields is rejected instead of decoding as an empty poll.
type adapterResponse struct {
	HasNew      *bool    `json:"has_new"`
	ActivityIDs []string `json:"activity_ids"`
	Count       *int     `json:"count"`
	Error       string   `json:"error"`
}

type runFunc func(ctx context.Context, input, name string, args ...string) (stdout, stderr string, err error)

// Poller invokes the activity source adapter subprocess once per Poll and
// turns whatever comes back into a typed outcome. It never touches the
// watermark.
type Poller struct {
	command string
	args    []string
	limit   int
	timeout time.Duration
	run     runFunc
}

func New(cfg config.AdapterConfig) *Poller {
	return &Poller{
		command: cfg.Command,
		args:    cfg.Args,
		limit:   cfg.Limit,
		timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, input, name string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Poll asks the adapter for activities that appeared in (since, now]. The
// configured timeout is a hard bound; exceeding it is ErrTimeout. Output that
// does not match the adapter contract is ErrProtocol, never an empty poll:
// swallowing garbage as "no new activities" would silently skip analyses.
func (p *Poller) Poll(ctx context.Context, since, now time.Time) (*PollOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := adapterRequest{
		Since: since.UTC().Format(time.RFC3339),
		Now:   now.UTC().Format(time.RFC3339),
		Limit: p.limit,
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal adapter request: %w", err)
	}

	stdout, stderr, runErr := p.run(ctx, string(input), p.command, p.args...)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w after %s", ErrTimeout, p.timeout)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("poll cancelled: %w", ctx.Err())
	}

	var resp adapterResponse
	parseErr := json.Unmarshal([]byte(stdout), &resp)

	if runErr != nil {
		if parseErr == nil && resp.Error != "" {
			return nil, &UpstreamError{Message: resp.Error}
		}
		return nil, fmt.Errorf("%w: adapter exited with error: %v (stderr: %s)", ErrProtocol, runErr, firstLine(stderr))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("%w: unparseable adapter output: %v", ErrProtocol, parseErr)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: error payload on success exit: %s", ErrProtocol, resp.Error)
	}
	if resp.HasNew == nil || resp.Count == nil {
		return nil, fmt.Errorf("%w: response missing has_new/count", ErrProtocol)
	}
	if *resp.HasNew && len(resp.ActivityIDs) == 0 {
		return nil, fmt.Errorf("%w: has_new without activity_ids", ErrProtocol)
	}
	if !*resp.HasNew && len(resp.ActivityIDs) > 0 {
		return nil, fmt.Errorf("%w: activity_ids without has_new", ErrProtocol)
	}

	count := *resp.Count
	if count != len(resp.ActivityIDs) {
		log.Printf("[poller] adapter count %d != %d activity ids, using id count", count, len(resp.ActivityIDs))
		count = len(resp.ActivityIDs)
	}

	return &PollOutcome{
		HasNew:      *resp.HasNew,
		ActivityIDs: resp.ActivityIDs,
		Count:       count,
	}, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
