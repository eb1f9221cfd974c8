package contextreset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// JorbHandoff is one jorb's compacted narrative after a reset.
type JorbHandoff struct {
	JorbID          string `json:"id"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	ProgressSummary string `json:"progress_summary"`
	RecentActivity  string `json:"recent_activity"`
	NextSteps       string `json:"next_steps"`
}

// HandoffSummary is the full result of one reset cycle.
type HandoffSummary struct {
	SessionSummary string
	Jorbs          []JorbHandoff
}

// ProgressLog appends human-readable reset sections to a durable markdown
// file. The file is append-only; past sections are never rewritten.
type ProgressLog struct {
	path string
	mu   sync.Mutex
}

func NewProgressLog(path string) *ProgressLog {
	return &ProgressLog{path: path}
}

func (l *ProgressLog) AppendResetSection(at time.Time, summary HandoffSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	var b strings.Builder
	b.WriteString(fmt.Sprintf("\n## Context Reset - %s\n\n", at.UTC().Format("2006-01-02 15:04 UTC")))
	b.WriteString("### Session Summary\n\n")
	b.WriteString(strings.TrimSpace(summary.SessionSummary))
	b.WriteString("\n")
	for _, h := range summary.Jorbs {
		b.WriteString(fmt.Sprintf("\n#### %s (%s)\n\n", h.Name, h.JorbID))
		b.WriteString(fmt.Sprintf("**Status:** %s\n", h.Status))
		b.WriteString(fmt.Sprintf("**Progress:** %s\n", h.ProgressSummary))
		if h.RecentActivity != "" {
			b.WriteString(fmt.Sprintf("**Recent:** %s\n", h.RecentActivity))
		}
		if h.NextSteps != "" {
			b.WriteString(fmt.Sprintf("**Next:** %s\n", h.NextSteps))
		}
	}
	b.WriteString("\n---\n")

	if _, err := f.WriteString(b.String()); err != nil {
		return err
	}
	return f.Sync()
}
