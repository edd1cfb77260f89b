package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

// ChangeHooks receives routine lifecycle events when the backing file is
// edited. The hooks mirror the triggers the upstream CRUD service would fire.
type ChangeHooks struct {
	Created func(ctx context.Context, routineID string)
	Updated func(ctx context.Context, routineID string)
	Deleted func(ctx context.Context, routineID string)
}

// FileProvider serves routines from a YAML file. Standalone deployments use
// it in place of the upstream routine service; edits to the file are diffed
// and surfaced through ChangeHooks so they flow through the same preload and
// purge paths as live CRUD calls.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu       sync.RWMutex
	routines map[string]fileRoutine
}

type fileRoutine struct {
	routine Routine
	owner   Owner
	raw     rawRoutine
}

type fileDoc struct {
	Routines []rawRoutine `yaml:"routines"`
}

type rawRoutine struct {
	ID          string          `yaml:"id"`
	Title       string          `yaml:"title"`
	Owner       rawOwner        `yaml:"owner"`
	Occurrences []rawOccurrence `yaml:"occurrences"`
}

type rawOwner struct {
	RecipientID string `yaml:"recipient_id"`
	DisplayName string `yaml:"display_name"`
	DeviceToken string `yaml:"device_token"`
}

type rawOccurrence struct {
	Day   string `yaml:"day"`
	Time  string `yaml:"time"`
	Alarm bool   `yaml:"alarm"`
}

func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &FileProvider{path: path, logger: logger}
	if err := p.reload(); err != nil {
		return nil, err
	}
	return p, nil
}

var _ Provider = (*FileProvider)(nil)

func (p *FileProvider) GetRoutine(ctx context.Context, routineID string) (Routine, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fr, ok := p.routines[routineID]
	if !ok {
		return Routine{}, fmt.Errorf("routine %q: %w", routineID, ErrRoutineNotFound)
	}
	return fr.routine, nil
}

func (p *FileProvider) GetOwner(ctx context.Context, routineID string) (Owner, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	fr, ok := p.routines[routineID]
	if !ok {
		return Owner{}, fmt.Errorf("routine %q: %w", routineID, ErrRoutineNotFound)
	}
	return fr.owner, nil
}

func (p *FileProvider) ListForWeekday(ctx context.Context, day time.Weekday) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for id, fr := range p.routines {
		for _, occ := range fr.routine.Occurrences {
			if occ.AlarmEnabled && occ.Weekday == day {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (p *FileProvider) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read routines file: %w", err)
	}
	routines, err := parseRoutines(data)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.routines = routines
	p.mu.Unlock()
	return nil
}

func parseRoutines(data []byte) (map[string]fileRoutine, error) {
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse routines file: %w", err)
	}

	routines := make(map[string]fileRoutine, len(doc.Routines))
	for _, raw := range doc.Routines {
		if raw.ID == "" {
			return nil, fmt.Errorf("routine with empty id")
		}
		if _, dup := routines[raw.ID]; dup {
			return nil, fmt.Errorf("duplicate routine id %q", raw.ID)
		}
		occurrences := make([]Occurrence, 0, len(raw.Occurrences))
		for _, rawOcc := range raw.Occurrences {
			day, err := parseWeekday(rawOcc.Day)
			if err != nil {
				return nil, fmt.Errorf("routine %q: %w", raw.ID, err)
			}
			at, err := ParseTimeOfDay(rawOcc.Time)
			if err != nil {
				return nil, fmt.Errorf("routine %q: %w", raw.ID, err)
			}
			occurrences = append(occurrences, Occurrence{
				Weekday:      day,
				At:           at,
				AlarmEnabled: rawOcc.Alarm,
			})
		}
		routines[raw.ID] = fileRoutine{
			routine: Routine{ID: raw.ID, Title: raw.Title, Occurrences: occurrences},
			owner: Owner{
				RecipientID: raw.Owner.RecipientID,
				DisplayName: raw.Owner.DisplayName,
				DeviceToken: raw.Owner.DeviceToken,
			},
			raw: raw,
		}
	}
	return routines, nil
}

// Watch blocks until ctx is done, reloading the file on change and firing
// hooks for each routine whose definition was added, changed, or removed.
func (p *FileProvider) Watch(ctx context.Context, hooks ChangeHooks) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		p.logger.Warn("routines_watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	dir := filepath.Dir(p.path)
	base := filepath.Base(p.path)
	if err := w.Add(dir); err != nil {
		p.logger.Warn("routines_watch_disabled", slog.Any("err", err))
		return
	}
	p.logger.Info("watching_routines", slog.String("path", p.path))

	// Debounce to coalesce bursty editor/atomic-write events.
	var timer *time.Timer
	var timerCh <-chan time.Time
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(200 * time.Millisecond)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(200 * time.Millisecond)
		}
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			schedule()
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			p.logger.Warn("routines_watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			p.applyReload(ctx, hooks)
		}
	}
}

func (p *FileProvider) applyReload(ctx context.Context, hooks ChangeHooks) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.logger.Error("routines_reload_failed", slog.Any("err", err))
		return
	}
	next, err := parseRoutines(data)
	if err != nil {
		p.logger.Error("routines_reload_failed", slog.Any("err", err))
		return
	}

	p.mu.Lock()
	prev := p.routines
	p.routines = next
	p.mu.Unlock()

	created, updated, deleted := diffRoutines(prev, next)
	p.logger.Info("routines_reloaded",
		slog.Int("total", len(next)),
		slog.Int("created", len(created)),
		slog.Int("updated", len(updated)),
		slog.Int("deleted", len(deleted)),
	)

	for _, id := range deleted {
		if hooks.Deleted != nil {
			hooks.Deleted(ctx, id)
		}
	}
	for _, id := range updated {
		if hooks.Updated != nil {
			hooks.Updated(ctx, id)
		}
	}
	for _, id := range created {
		if hooks.Created != nil {
			hooks.Created(ctx, id)
		}
	}
}

func diffRoutines(prev, next map[string]fileRoutine) (created, updated, deleted []string) {
	for id, nfr := range next {
		pfr, ok := prev[id]
		if !ok {
			created = append(created, id)
			continue
		}
		if !equalRawRoutine(pfr.raw, nfr.raw) {
			updated = append(updated, id)
		}
	}
	for id := range prev {
		if _, ok := next[id]; !ok {
			deleted = append(deleted, id)
		}
	}
	sort.Strings(created)
	sort.Strings(updated)
	sort.Strings(deleted)
	return created, updated, deleted
}

func equalRawRoutine(a, b rawRoutine) bool {
	if a.ID != b.ID || a.Title != b.Title || a.Owner != b.Owner {
		return false
	}
	if len(a.Occurrences) != len(b.Occurrences) {
		return false
	}
	for i := range a.Occurrences {
		if a.Occurrences[i] != b.Occurrences[i] {
			return false
		}
	}
	return true
}
