// Package doctor reviews a loaded conduit configuration against the host it
// will run on. Load already rejects invalid values; doctor reports settings
// that are legal but likely to surprise, plus environment problems such as an
// unwritable journal directory.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/graphfile"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a configuration.
type Doctor struct {
	cfg  *config.Config
	cpus int
}

// New creates a Doctor for cfg.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, cpus: runtime.NumCPU()}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.checkExecutor(r)
	d.checkJournal(r)
	d.checkAPI(r)
	d.checkSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkExecutor(r *Result) {
	ex := d.cfg.Executor

	if ex.PinWorkers && ex.WorkerCount > d.cpus {
		d.addWarning(r, "executor", "executor.pin_workers",
			fmt.Sprintf("%d workers pinned onto %d CPUs; workers will share cores", ex.WorkerCount, d.cpus))
	}
	if ex.WorkerCount > 4*d.cpus {
		d.addWarning(r, "executor", "executor.worker_count",
			fmt.Sprintf("worker_count %d is more than four times the CPU count (%d)", ex.WorkerCount, d.cpus))
	}
	if ex.QueueCapacity == config.UnboundedCapacity {
		d.addWarning(r, "executor", "executor.queue_capacity",
			"unbounded queue: submissions never see backpressure and memory can grow without limit")
	}
	if ex.PollTimeout < time.Millisecond {
		d.addWarning(r, "executor", "executor.poll_timeout",
			fmt.Sprintf("poll_timeout %v keeps an idle dispatcher spinning", ex.PollTimeout))
	}
	if ex.PollTimeout > 5*time.Second {
		d.addWarning(r, "executor", "executor.poll_timeout",
			fmt.Sprintf("poll_timeout %v delays the start of a release by up to that long", ex.PollTimeout))
	}
}

func (d *Doctor) checkJournal(r *Result) {
	j := d.cfg.Journal
	if j.Path == "" {
		d.addWarning(r, "journal", "journal.path", "journal disabled; /jobs will return 404")
		return
	}
	if j.Path == ":memory:" {
		return
	}

	dir := filepath.Dir(j.Path)
	if err := checkWritableDir(dir); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
	if j.Retention == 0 {
		d.addWarning(r, "journal", "journal.retention", "retention is 0; the journal is never pruned")
	}
}

// checkWritableDir walks up to the nearest existing ancestor, since the
// journal creates missing directories itself.
func checkWritableDir(dir string) error {
	for {
		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
			f, err := os.CreateTemp(dir, ".conduit-doctor-*")
			if err != nil {
				return fmt.Errorf("directory %s is not writable: %v", dir, err)
			}
			name := f.Name()
			_ = f.Close()
			_ = os.Remove(name)
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %v", dir, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return fmt.Errorf("no existing ancestor for %s", dir)
		}
		dir = parent
	}
}

func (d *Doctor) checkAPI(r *Result) {
	a := d.cfg.API
	if !a.Enabled {
		return
	}

	host, _, err := net.SplitHostPort(a.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", a.Listen, err))
		return
	}
	if a.Token == "" && !isLoopback(host) {
		d.addWarning(r, "api", "api.token",
			fmt.Sprintf("API listens on %s without a token; anyone who can reach it can submit graphs", a.Listen))
	}
	if a.Token != "" && len(a.Token) < 16 {
		d.addWarning(r, "api", "api.token", "token is shorter than 16 characters")
	}
}

func (d *Doctor) checkSchedule(r *Result) {
	for i, e := range d.cfg.Schedule.Entries {
		field := fmt.Sprintf("schedule.entries[%d].file", i)
		graphs, err := graphfile.Load(e.File)
		if err != nil {
			d.addError(r, "schedule", field, fmt.Sprintf("%s: %v", e.Name, err))
			continue
		}
		if e.Graph == "" {
			continue
		}
		found := false
		for _, g := range graphs {
			if g.Name() == e.Graph {
				found = true
				break
			}
		}
		if !found {
			d.addError(r, "schedule", fmt.Sprintf("schedule.entries[%d].graph", i),
				fmt.Sprintf("%s: graph %q not found in %s", e.Name, e.Graph, e.File))
		}
	}
	if len(d.cfg.Schedule.Entries) > 0 && !d.cfg.API.Enabled {
		d.addWarning(r, "schedule", "api.enabled", "schedules only run under serve, which needs the API enabled")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
