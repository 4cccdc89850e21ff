// Package session records a forensic trail of each run: an append-only
// JSONL event stream plus a small manifest projected from it on close.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	EventsFile   = "session_events.jsonl"
	ManifestFile = "session_manifest.json"
)

// Event is one line of the JSONL stream
type Event struct {
	TS       time.Time      `json:"ts"`
	ElapsedS float64        `json:"elapsed_s"`
	Event    string         `json:"event"`
	Data     map[string]any `json:"data,omitempty"`
}

// Manifest summarizes a finished session without requiring the event
// stream to be replayed.
type Manifest struct {
	RunID       string         `json:"run_id"`
	TicketKey   string         `json:"ticket_key"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	DurationS   float64        `json:"duration_s"`
	Outcome     string         `json:"outcome"`
	EventCount  int            `json:"event_count"`
	EventCounts map[string]int `json:"event_counts"`
	EventNames  []string       `json:"event_names"`
	Errors      []string       `json:"errors"`
	ErrorCount  int            `json:"error_count"`
}

// Recorder writes the event stream for a single run. Safe for concurrent
// use. Recording failures are swallowed after the stream is opened: the
// run must never die because its audit trail hiccuped.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	runID   string
	ticket  string
	start   time.Time
	file    *os.File
	enc     *json.Encoder
	secrets []string
	counts  map[string]int
	names   []string
	errors  []string
	total   int
	closed  bool
}

// NewRecorder opens the event stream under dir. Values in secrets are
// scrubbed from every recorded string before it reaches disk.
func NewRecorder(dir, runID, ticketKey string, secrets []string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event stream: %w", err)
	}
	kept := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			kept = append(kept, s)
		}
	}
	return &Recorder{
		dir:     dir,
		runID:   runID,
		ticket:  ticketKey,
		start:   time.Now(),
		file:    f,
		enc:     json.NewEncoder(f),
		secrets: kept,
		counts:  map[string]int{},
	}, nil
}

// Dir returns the session directory
func (r *Recorder) Dir() string { return r.dir }

// Record appends one event. data may be nil.
func (r *Recorder) Record(event string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	now := time.Now()
	ev := Event{
		TS:       now,
		ElapsedS: now.Sub(r.start).Seconds(),
		Event:    event,
		Data:     r.redactMap(data),
	}
	if err := r.enc.Encode(ev); err != nil {
		return
	}
	r.counts[event]++
	r.names = append(r.names, event)
	r.total++
	if msg, ok := ev.Data["error"].(string); ok && msg != "" {
		r.errors = append(r.errors, event+": "+msg)
	}
}

// Close writes the manifest and releases the stream. Idempotent.
func (r *Recorder) Close(outcome string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	now := time.Now()
	m := Manifest{
		RunID:       r.runID,
		TicketKey:   r.ticket,
		StartedAt:   r.start,
		FinishedAt:  now,
		DurationS:   now.Sub(r.start).Seconds(),
		Outcome:     outcome,
		EventCount:  r.total,
		EventCounts: r.counts,
		EventNames:  r.names,
		Errors:      r.errors,
		ErrorCount:  len(r.errors),
	}
	if err := writeManifest(filepath.Join(r.dir, ManifestFile), m); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Redact scrubs configured secrets from s
func (r *Recorder) Redact(s string) string {
	for _, secret := range r.secrets {
		s = strings.ReplaceAll(s, secret, "[REDACTED]")
	}
	return s
}

func (r *Recorder) redactMap(data map[string]any) map[string]any {
	if len(data) == 0 || len(r.secrets) == 0 {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Recorder) redactValue(v any) any {
	switch t := v.(type) {
	case string:
		return r.Redact(t)
	case []string:
		out := make([]string, len(t))
		for i, s := range t {
			out[i] = r.Redact(s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = r.redactValue(e)
		}
		return out
	case map[string]any:
		return r.redactMap(t)
	default:
		return v
	}
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Info pairs a session directory with its manifest, when one exists
type Info struct {
	Dir      string
	Manifest *Manifest
}

// List returns the sessions under root, newest first. Directories without
// a manifest (crashed or in-flight runs) are still listed.
func List(root string) ([]Info, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, EventsFile)); err != nil {
			continue
		}
		info := Info{Dir: dir}
		if m, err := ReadManifest(dir); err == nil {
			info.Manifest = m
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return filepath.Base(out[i].Dir) > filepath.Base(out[j].Dir)
	})
	return out, nil
}

// ReadManifest loads the manifest from a session directory
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// ReadEvents replays the event stream from a session directory. Truncated
// trailing lines from a crashed writer are skipped rather than failing the
// whole read.
func ReadEvents(dir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(dir, EventsFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, sc.Err()
}

// Prune removes whole session directories older than maxAge. A session is
// never partially deleted.
func Prune(root string, maxAge time.Duration, now time.Time) (int, error) {
	infos, err := List(root)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, info := range infos {
		var ref time.Time
		if info.Manifest != nil {
			ref = info.Manifest.FinishedAt
		} else {
			st, err := os.Stat(filepath.Join(info.Dir, EventsFile))
			if err != nil {
				continue
			}
			ref = st.ModTime()
		}
		if ref.Before(cutoff) {
			if err := os.RemoveAll(info.Dir); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
