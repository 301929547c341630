// Package protocol implements the sentinel framing used over the
// terminal transport. Outbound commands are wrapped with unique
// begin/end markers keyed by task id; agents answer with a required
// STATUS/CHANGES/NEXT/LAST_CMD footer that is scraped back out of the
// pane buffer. This is the only layer where parsing is tolerant:
// malformed footers become a failed status, never a panic.
package protocol

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hiveops/hive/internal/types"
)

const (
	beginMarkerFmt = "===BEGIN TASK %s==="
	endMarkerFmt   = "===END TASK %s==="

	statusKey  = "STATUS:"
	changesKey = "CHANGES:"
	nextKey    = "NEXT:"
	lastCmdKey = "LAST_CMD:"

	// statusTemplate is the placeholder the wrap instruction shows the
	// agent. It must never parse as a real status.
	statusTemplate = "success|partial|blocked|failed"
)

// BeginMarker returns the begin sentinel for a task id.
func BeginMarker(taskID string) string {
	return fmt.Sprintf(beginMarkerFmt, taskID)
}

// EndMarker returns the end sentinel for a task id.
func EndMarker(taskID string) string {
	return fmt.Sprintf(endMarkerFmt, taskID)
}

// Wrap frames a command body for dispatch. The trailing instruction
// tells the agent to finish with the footer and the end marker.
func Wrap(taskID, body string) []string {
	lines := []string{BeginMarker(taskID)}
	lines = append(lines, strings.Split(strings.TrimRight(body, "\n"), "\n")...)
	lines = append(lines,
		"When complete, print exactly:",
		statusKey+" "+statusTemplate,
		changesKey+" <text>",
		nextKey+" <text>",
		lastCmdKey+" <text>",
		EndMarker(taskID),
	)
	return lines
}

// Extract returns the region between the matching begin/end markers,
// or false if the region is incomplete. If the same task was re-sent,
// only the region between the last begin and the first subsequent end
// is considered.
func Extract(lines []string, taskID string) ([]string, bool) {
	begin := BeginMarker(taskID)
	end := EndMarker(taskID)

	beginIdx := -1
	for i, line := range lines {
		if strings.Contains(line, begin) {
			beginIdx = i
		}
	}
	if beginIdx < 0 {
		return nil, false
	}
	for i := beginIdx + 1; i < len(lines); i++ {
		if strings.Contains(lines[i], end) {
			return lines[beginIdx+1 : i], true
		}
	}
	return nil, false
}

// ParseFooter scans a region for the footer keys and returns a
// StatusFooter iff all required keys are present and the status is a
// legal value. The last occurrence of each key wins, so the echoed
// wrap instruction never shadows the agent's real footer.
func ParseFooter(region []string) (*types.StatusFooter, bool) {
	var status, changes, next, lastCmd string
	var haveStatus, haveChanges, haveNext bool

	for _, line := range region {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, statusKey):
			v := strings.TrimSpace(strings.TrimPrefix(trimmed, statusKey))
			if v == statusTemplate {
				continue
			}
			status, haveStatus = v, true
		case strings.HasPrefix(trimmed, changesKey):
			v := strings.TrimSpace(strings.TrimPrefix(trimmed, changesKey))
			if v == "<text>" {
				continue
			}
			changes, haveChanges = v, true
		case strings.HasPrefix(trimmed, nextKey):
			v := strings.TrimSpace(strings.TrimPrefix(trimmed, nextKey))
			if v == "<text>" {
				continue
			}
			next, haveNext = v, true
		case strings.HasPrefix(trimmed, lastCmdKey):
			v := strings.TrimSpace(strings.TrimPrefix(trimmed, lastCmdKey))
			if v == "<text>" {
				continue
			}
			lastCmd = v
		}
	}

	if !haveStatus || !haveChanges || !haveNext {
		return nil, false
	}
	fs := types.FooterStatus(status)
	if !fs.IsValid() {
		return nil, false
	}
	return &types.StatusFooter{
		Status:  fs,
		Changes: changes,
		Next:    next,
		LastCmd: lastCmd,
	}, true
}

// FormatFooter renders a footer as protocol lines.
// ParseFooter(FormatFooter(f)) round-trips for every legal footer.
func FormatFooter(f *types.StatusFooter) []string {
	lines := []string{
		statusKey + " " + string(f.Status),
		changesKey + " " + f.Changes,
		nextKey + " " + f.Next,
	}
	if f.LastCmd != "" {
		lines = append(lines, lastCmdKey+" "+f.LastCmd)
	}
	return lines
}

// hasMalformedFooter reports whether the region carries a completed
// footer with an illegal status value. Such regions will never parse;
// waiting longer is pointless.
func hasMalformedFooter(region []string) bool {
	for _, line := range region {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, statusKey) {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(trimmed, statusKey))
		if v == statusTemplate || v == "" {
			continue
		}
		if !types.FooterStatus(v).IsValid() {
			return true
		}
	}
	return false
}

// Capturer is the transport capability the reader needs.
type Capturer interface {
	Capture(ctx context.Context, agent string, tail int) ([]string, error)
}

// Sender is the transport capability the dispatcher needs.
type Sender interface {
	Send(ctx context.Context, agent string, lines []string) error
}

// Transport combines the two pane operations.
type Transport interface {
	Sender
	Capturer
}

// EventRecorder receives the forensic trail: one command record per
// dispatch, one status record per parsed (or synthesised) footer.
type EventRecorder interface {
	RecordCommand(agent, taskID, command string) error
	RecordStatus(agent, taskID string, footer *types.StatusFooter) error
}

// ReaderConfig holds footer-polling settings
type ReaderConfig struct {
	// PollInterval is how often the pane buffer is re-captured
	PollInterval time.Duration

	// CaptureTail is how many rows to scrape per poll
	CaptureTail int
}

// DefaultReaderConfig returns the default polling settings
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		PollInterval: 2 * time.Second,
		CaptureTail:  200,
	}
}

// Reader polls a pane until a footer parses or the timeout elapses.
type Reader struct {
	capturer Capturer
	cfg      ReaderConfig
}

// NewReader creates a footer reader over the given capturer.
func NewReader(capturer Capturer, cfg ReaderConfig) *Reader {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultReaderConfig().PollInterval
	}
	if cfg.CaptureTail <= 0 {
		cfg.CaptureTail = DefaultReaderConfig().CaptureTail
	}
	return &Reader{capturer: capturer, cfg: cfg}
}

// ReadStatus polls the agent's pane for the task footer. On timeout a
// synthetic {status: timeout} footer is returned; a completed but
// malformed footer is returned as failed. The error return carries
// only transport failures.
func (r *Reader) ReadStatus(ctx context.Context, agent, taskID string, timeout time.Duration) (*types.StatusFooter, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		lines, err := r.capturer.Capture(ctx, agent, r.cfg.CaptureTail)
		if err != nil {
			return nil, fmt.Errorf("capture from %s: %w", agent, err)
		}
		if region, ok := Extract(lines, taskID); ok {
			if footer, ok := ParseFooter(region); ok {
				return footer, nil
			}
			if hasMalformedFooter(region) {
				fmt.Fprintf(os.Stderr, "Warning: malformed footer from %s for task %s, treating as failed\n", agent, taskID)
				return &types.StatusFooter{
					Status:  types.FooterStatusFailed,
					Changes: "malformed footer",
					Next:    "inspect pane output",
				}, nil
			}
		}
		if time.Now().After(deadline) {
			return &types.StatusFooter{Status: types.FooterStatusTimeout}, nil
		}

		select {
		case <-ctx.Done():
			return &types.StatusFooter{Status: types.FooterStatusTimeout}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispatcher sends a wrapped command and waits for its footer,
// recording the forensic trail on both edges.
type Dispatcher struct {
	transport Transport
	reader    *Reader
	log       EventRecorder
}

// NewDispatcher wires a transport and event recorder together.
func NewDispatcher(transport Transport, log EventRecorder, cfg ReaderConfig) *Dispatcher {
	return &Dispatcher{
		transport: transport,
		reader:    NewReader(transport, cfg),
		log:       log,
	}
}

// Dispatch wraps body, logs the command record, sends it to the agent,
// and polls for the footer. Exactly one status record is written per
// dispatch: the parsed footer, the malformed-as-failed footer, or the
// synthesised timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, agent, taskID, body string, timeout time.Duration) (*types.StatusFooter, error) {
	lines := Wrap(taskID, body)

	// Command record lands before send returns.
	if err := d.log.RecordCommand(agent, taskID, body); err != nil {
		return nil, fmt.Errorf("record command for %s: %w", taskID, err)
	}
	if err := d.transport.Send(ctx, agent, lines); err != nil {
		return nil, fmt.Errorf("send to %s: %w", agent, err)
	}

	footer, err := d.reader.ReadStatus(ctx, agent, taskID, timeout)
	if footer != nil {
		if logErr := d.log.RecordStatus(agent, taskID, footer); logErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to record status for task %s: %v\n", taskID, logErr)
		}
	}
	return footer, err
}
