package output

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/fastdl/internal/engine"
)

// Manager renders the live state of one download session. On a terminal it
// redraws a status line and a progress bar in place; elsewhere it prints
// state changes and a periodic progress line.
type Manager struct {
	mutex       sync.Mutex
	out         io.Writer
	interactive bool
	url         string
	status      string
	message     string
	numLines    int
	displayTick time.Duration
	plainEvery  int // ticks between progress lines when not interactive
	startTime   time.Time
	doneCh      chan struct{}
	displayWg   sync.WaitGroup
	started     bool
}

func NewManager(out io.Writer, url string) *Manager {
	return &Manager{
		out:         out,
		interactive: isTerminal(out),
		url:         url,
		status:      "pending",
		message:     fmt.Sprintf("Probing %s", url),
		displayTick: 150 * time.Millisecond,
		plainEvery:  20,
		startTime:   time.Now(),
		doneCh:      make(chan struct{}),
	}
}

// SetState updates the status line for a session state transition.
func (m *Manager) SetState(state engine.State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	switch state {
	case engine.StateProbing:
		m.status, m.message = "pending", fmt.Sprintf("Probing %s", m.url)
	case engine.StatePlanning:
		m.status, m.message = "pending", "Planning chunks"
	case engine.StateDownloading:
		m.status, m.message = "active", fmt.Sprintf("Downloading %s", m.url)
	case engine.StateFinalizing:
		m.status, m.message = "active", "Verifying and finalizing"
	case engine.StateCompleted:
		m.status, m.message = "success", "Completed"
	case engine.StateAborted:
		m.status, m.message = "error", "Aborted"
	case engine.StateCancelled:
		m.status, m.message = "warning", "Cancelled"
	}
	if !m.interactive && !state.Terminal() {
		fmt.Fprintf(m.out, "%s %s\n", m.GetStatusIndicator(m.status), m.message)
	}
}

func (m *Manager) GetStatusIndicator(status string) string {
	switch status {
	case "success", "pass":
		return successStyle.Render(StyleSymbols["pass"])
	case "error", "fail":
		return errorStyle.Render(StyleSymbols["fail"])
	case "warning":
		return warningStyle.Render(StyleSymbols["warning"])
	case "pending":
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["bullet"])
	}
}

// renderProgress formats one snapshot as a single line.
func renderProgress(s engine.Snapshot, width int) string {
	rate := s.Rate()
	parts := []string{}
	if s.TotalBytes >= 0 {
		barWidth := min(30, max(10, width-60))
		parts = append(parts, PrintProgressBar(s.BytesCompleted, s.TotalBytes, barWidth)+
			debugStyle.Render(fmt.Sprintf("%s / %s", FormatBytes(s.BytesCompleted), FormatBytes(s.TotalBytes))))
	} else {
		parts = append(parts, debugStyle.Render(FormatBytes(s.BytesCompleted)))
	}
	parts = append(parts, debugStyle.Render(FormatSpeed(rate)))
	if s.ChunksTotal > 1 {
		parts = append(parts, debugStyle.Render(fmt.Sprintf("chunks %d/%d", s.ChunksCompleted, s.ChunksTotal)))
	}
	if s.TotalBytes >= 0 {
		if eta := FormatETA(s.TotalBytes-s.BytesCompleted, rate); eta != "" {
			parts = append(parts, debugStyle.Render("eta "+eta))
		}
	}
	return strings.Join(parts, " "+StyleSymbols["bullet"]+" ")
}

func (m *Manager) updateDisplay(s engine.Snapshot) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	elapsed := time.Since(m.startTime).Round(time.Second)
	fmt.Fprintf(m.out, "  %s %s %s\n", m.GetStatusIndicator(m.status), debugStyle.Render(elapsed.String()), pendingStyle.Render(m.message))
	m.numLines = 1
	if s.ChunksTotal > 0 || s.BytesCompleted > 0 {
		fmt.Fprintf(m.out, "      %s\n", renderProgress(s, getTerminalWidth(m.out)))
		m.numLines++
	}
}

func (m *Manager) clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.interactive && m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
		m.numLines = 0
	}
}

// StartDisplay polls source at a fixed cadence until StopDisplay. Snapshots
// taken between ticks are never queued.
func (m *Manager) StartDisplay(source func() engine.Snapshot) {
	m.started = true
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		ticks := 0
		for {
			select {
			case <-ticker.C:
				ticks++
				s := source()
				if m.interactive {
					m.updateDisplay(s)
				} else if ticks%m.plainEvery == 0 && s.ChunksTotal > 0 {
					m.mutex.Lock()
					fmt.Fprintf(m.out, "  %s\n", renderProgress(s, 80))
					m.mutex.Unlock()
				}
			case <-m.doneCh:
				m.clear()
				return
			}
		}
	}()
}

func (m *Manager) StopDisplay() {
	if !m.started {
		return
	}
	m.started = false
	close(m.doneCh)
	m.displayWg.Wait()
}

// ShowSummary prints the final colored outcome of the session.
func (m *Manager) ShowSummary(result engine.Result) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, line := range summaryLines(result) {
		fmt.Fprintln(m.out, line)
	}
}

func summaryLines(result engine.Result) []string {
	indent := strings.Repeat(" ", 2)
	detail := strings.Repeat(" ", 2+4)
	var lines []string
	switch result.Outcome {
	case engine.OutcomeCompleted:
		lines = append(lines, indent+successStyle.Render(StyleSymbols["pass"]+" Completed ")+FDetail(result.OutputPath))
		elapsed := result.Duration.Round(10 * time.Millisecond)
		lines = append(lines, detail+debugStyle.Render(fmt.Sprintf("%s in %s %s %s",
			FormatBytes(result.Snapshot.BytesCompleted), elapsed, StyleSymbols["bullet"], FormatSpeed(result.Snapshot.Rate()))))
		mode := fmt.Sprintf("%d chunk(s) over %d connection(s)", len(result.Chunks), result.Workers)
		if !result.Task.RangesSupported {
			mode = "single stream (server does not support ranges)"
		}
		if result.Retries > 0 {
			mode += fmt.Sprintf(" %s %d retr%s", StyleSymbols["bullet"], result.Retries, pluralY(result.Retries))
		}
		lines = append(lines, detail+debugStyle.Render(mode))
	case engine.OutcomeCancelled:
		lines = append(lines, indent+warningStyle.Render(StyleSymbols["warning"]+" Cancelled, partial download removed"))
	default:
		lines = append(lines, indent+errorStyle.Render(StyleSymbols["fail"]+" Download failed"))
		if result.Err != nil {
			lines = append(lines, detail+errorStyle.Render(diagnose(result.Err)))
		}
	}
	return lines
}

// diagnose phrases the session error for humans.
func diagnose(err error) string {
	var integrityErr *engine.IntegrityError
	var probeErr *engine.ProbeError
	switch {
	case errors.As(err, &integrityErr):
		return fmt.Sprintf("Size mismatch: expected %s, got %s", FormatBytes(integrityErr.Expected), FormatBytes(integrityErr.Actual))
	case errors.As(err, &probeErr):
		return fmt.Sprintf("Could not reach %s: %v", probeErr.URL, probeErr.Err)
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}

func pluralY(n int) string {
	if n == 1 {
		return "y"
	}
	return "ies"
}
