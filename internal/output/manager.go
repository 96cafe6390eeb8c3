package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type JobOutput struct {
	ID          int
	Label       string
	Status      string
	Message     string
	StreamLines []string
	Complete    bool
	StartTime   time.Time
	LastUpdated time.Time
	Error       error
}

type ErrorReport struct {
	Label string
	Error error
	Time  time.Time
}

// Manager renders the live status of every registered job. On a terminal it
// redraws in place on a ticker; otherwise it prints one line per status change.
type Manager struct {
	outputs     map[int]*JobOutput
	mutex       sync.RWMutex
	numLines    int
	maxStreams  int
	errors      []ErrorReport
	doneCh      chan struct{}
	displayTick time.Duration
	jobCount    int
	displayWg   sync.WaitGroup
	interactive bool
	out         io.Writer
}

func NewManager() *Manager {
	return newManager(os.Stdout, IsTerminal())
}

// NewManagerTo writes to w; interactive selects in-place redraws.
func NewManagerTo(w io.Writer, interactive bool) *Manager {
	return newManager(w, interactive)
}

func newManager(w io.Writer, interactive bool) *Manager {
	return &Manager{
		outputs:     make(map[int]*JobOutput),
		maxStreams:  5,
		doneCh:      make(chan struct{}),
		displayTick: 200 * time.Millisecond,
		interactive: interactive,
		out:         w,
	}
}

func (m *Manager) RegisterJob(label string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.jobCount++
	now := time.Now()
	m.outputs[m.jobCount] = &JobOutput{
		ID:          m.jobCount,
		Label:       label,
		Status:      StatusPending,
		StartTime:   now,
		LastUpdated: now,
	}
	return m.jobCount
}

func (m *Manager) plain(info *JobOutput, text string) {
	if !m.interactive {
		fmt.Fprintf(m.out, "[%d] %s %s\n", info.ID, info.Label, text)
	}
}

func (m *Manager) SetMessage(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		if info.Status == StatusPending {
			info.Status = StatusRunning
		}
		info.Message = message
		info.LastUpdated = time.Now()
		m.plain(info, message)
	}
}

func (m *Manager) GetStatus(id int) string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if info, exists := m.outputs[id]; exists {
		return info.Status
	}
	return "unknown"
}

// SetProgress replaces the job's stream with a single progress line.
// Non-interactive output skips it to keep logs readable.
func (m *Manager) SetProgress(id int, line string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = []string{line}
		info.LastUpdated = time.Now()
	}
}

func (m *Manager) AddStreamLine(id int, line string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = append(info.StreamLines, wrapText(line, 6)...)
		if len(info.StreamLines) > m.maxStreams {
			info.StreamLines = info.StreamLines[len(info.StreamLines)-m.maxStreams:]
		}
		info.LastUpdated = time.Now()
		m.plain(info, line)
	}
}

func (m *Manager) Complete(id int, message string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.StreamLines = nil
		if message == "" {
			message = fmt.Sprintf("Completed %s", info.Label)
		}
		info.Message = message
		info.Complete = true
		info.Status = StatusSuccess
		info.LastUpdated = time.Now()
		m.plain(info, message)
	}
}

func (m *Manager) ReportError(id int, err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if info, exists := m.outputs[id]; exists {
		info.Complete = true
		info.Status = StatusError
		info.Error = err
		info.StreamLines = nil
		info.LastUpdated = time.Now()
		m.errors = append(m.errors, ErrorReport{Label: info.Label, Error: err, Time: time.Now()})
		m.plain(info, "failed: "+err.Error())
	}
}

// Errors returns the errors reported so far in report order.
func (m *Manager) Errors() []ErrorReport {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]ErrorReport(nil), m.errors...)
}

func statusIndicator(status string) string {
	switch status {
	case StatusSuccess:
		return successStyle.Render(StyleSymbols["pass"])
	case StatusError:
		return errorStyle.Render(StyleSymbols["fail"])
	case StatusPending:
		return pendingStyle.Render(StyleSymbols["pending"])
	default:
		return infoStyle.Render(StyleSymbols["arrow"])
	}
}

func styledMessage(info *JobOutput) string {
	switch info.Status {
	case StatusSuccess:
		return successStyle.Render(info.Message)
	case StatusError:
		return errorStyle.Render(info.Message)
	default:
		return pendingStyle.Render(info.Message)
	}
}

func (m *Manager) sortedJobs() []*JobOutput {
	jobs := make([]*JobOutput, 0, len(m.outputs))
	for _, info := range m.outputs {
		jobs = append(jobs, info)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].ID < jobs[j].ID
	})
	return jobs
}

func (m *Manager) updateDisplay() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, termHeight := getTerminalSize()
	available := termHeight - 3
	if m.numLines > 0 {
		fmt.Fprintf(m.out, "\033[%dA\033[J", m.numLines)
	}
	lineCount := 0
	for _, info := range m.sortedJobs() {
		if lineCount >= available {
			break
		}
		elapsed := time.Since(info.StartTime)
		if info.Complete {
			elapsed = info.LastUpdated.Sub(info.StartTime)
		}
		message := info.Message
		if message == "" {
			message = "Waiting..."
		}
		shown := *info
		shown.Message = message
		fmt.Fprintf(m.out, "  %s %s %s %s\n", statusIndicator(info.Status), debugStyle.Render(elapsed.Round(time.Second).String()), FDetail(info.Label), styledMessage(&shown))
		lineCount++
		for _, line := range info.StreamLines {
			if lineCount >= available {
				break
			}
			fmt.Fprintf(m.out, "%s%s\n", strings.Repeat(" ", 6), streamStyle.Render(line))
			lineCount++
		}
	}
	m.numLines = lineCount
}

func (m *Manager) StartDisplay() {
	if !m.interactive {
		return
	}
	m.displayWg.Add(1)
	go func() {
		defer m.displayWg.Done()
		ticker := time.NewTicker(m.displayTick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.updateDisplay()
			case <-m.doneCh:
				m.updateDisplay()
				return
			}
		}
	}()
}

// StopDisplay draws the final state and prints the summary.
func (m *Manager) StopDisplay() {
	close(m.doneCh)
	m.displayWg.Wait()
	m.ShowSummary()
}

func (m *Manager) displayErrors() {
	if len(m.errors) == 0 {
		return
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range m.errors {
		fmt.Fprintf(m.out, "    %s %s %s\n",
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Label))
		for _, line := range wrapText(report.Error.Error(), 6) {
			fmt.Fprintf(m.out, "      %s\n", errorStyle.Render(line))
		}
	}
}

func (m *Manager) ShowSummary() {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var success, failures int
	for _, info := range m.outputs {
		switch info.Status {
		case StatusSuccess:
			success++
		case StatusError:
			failures++
		}
	}
	fmt.Fprintln(m.out)
	fmt.Fprintln(m.out, "  "+successStyle.Render(fmt.Sprintf("Completed %d of %d", success, len(m.outputs))))
	if failures > 0 {
		fmt.Fprintln(m.out, "  "+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failures, len(m.outputs))))
	}
	m.displayErrors()
	fmt.Fprintln(m.out)
}
