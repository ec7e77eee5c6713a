package eventbus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal appends every domain event to daily NDJSON files for audit.
type Journal struct {
	dir string
	mu  sync.Mutex
}

type journalEntry struct {
	*Event
	LoggedAt time.Time `json:"logged_at"`
}

func NewJournal(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	return &Journal{dir: dir}, nil
}

func (j *Journal) path(day time.Time) string {
	return filepath.Join(j.dir, fmt.Sprintf("events_%s.ndjson", day.UTC().Format(time.DateOnly)))
}

func (j *Journal) Record(ev *Event) error {
	data, err := json.Marshal(journalEntry{Event: ev, LoggedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(j.path(ev.CreatedAt), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	return nil
}

// Read returns the events journaled on day (UTC), optionally only those of
// type t. Lines that fail to parse are skipped.
func (j *Journal) Read(day time.Time, t EventType) ([]*Event, error) {
	j.mu.Lock()
	data, err := os.ReadFile(j.path(day))
	j.mu.Unlock()
	if os.IsNotExist(err) {
		return []*Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	events := []*Event{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("skipping malformed journal line", "error", err)
			continue
		}
		if t != "" && ev.Type != t {
			continue
		}
		events = append(events, &ev)
	}
	return events, sc.Err()
}

// Run journals events from bus until ctx is done.
func (j *Journal) Run(ctx context.Context, bus *Bus) {
	subID, ch := bus.Subscribe(1024)
	defer bus.Unsubscribe(subID)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Record(ev); err != nil {
				slog.ErrorContext(ctx, "failed to journal event", "event_id", ev.ID, "type", string(ev.Type), "error", err)
			}
		}
	}
}
