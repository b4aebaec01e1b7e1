package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Status values a project record moves through. Transitions are monotonic
// along creating -> installing -> starting -> running; error is reachable
// from any of them and is terminal for the automated pipeline. stopped is
// reachable from running only.
const (
	StatusCreating   = "creating"
	StatusInstalling = "installing"
	StatusStarting   = "starting"
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusError      = "error"
)

// ProcessHandle is the lifecycle surface the record keeps for its child
// process while status is starting or running.
type ProcessHandle interface {
	Stop() error
	Done() <-chan struct{}
	ExitCode() int
}

// Project is the in-memory record of one deployed preview project.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Port      int       `json:"port,omitempty"`
	Status    string    `json:"status"`
	URL       string    `json:"url,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Process is set only while status is starting or running.
	Process ProcessHandle `json:"-"`
}

// NewID derives a project identifier from a human title and a creation
// timestamp. The pair is relied upon to keep workspace paths distinct; it
// is not guaranteed unique under adversarial timing.
func NewID(name string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%d", Slugify(name), createdAt.UnixMilli())
}

// IDTimestamp recovers the creation time embedded in a project id. It
// reports false for ids that do not carry a timestamp suffix.
func IDTimestamp(id string) (time.Time, bool) {
	idx := strings.LastIndex(id, "-")
	if idx < 0 || idx == len(id)-1 {
		return time.Time{}, false
	}
	var millis int64
	for _, r := range id[idx+1:] {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
		millis = millis*10 + int64(r-'0')
	}
	return time.UnixMilli(millis).UTC(), true
}

// Slugify lowercases a title and collapses anything that is not a letter or
// digit into single hyphens.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastHyphen = false
			continue
		}
		if !lastHyphen {
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "project"
	}
	return slug
}
