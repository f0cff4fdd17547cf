package conversations

import (
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/pkg/errors"
)

// JSONStore implements Store using one JSON file per session under
// basePath, an in-memory summary/record cache, and an fsnotify watcher
// that keeps the cache consistent with out-of-process writers — adapted
// from the teacher's JSONConversationStore, trimmed to the one backend
// this module supports.
type JSONStore struct {
	basePath string

	summaries map[string]Summary
	records   map[string]Record
	mu        sync.RWMutex

	watcher *fsnotify.Watcher

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
}

// NewJSONStore creates a JSON file store rooted at basePath, loads every
// existing session into cache, and starts watching basePath for
// out-of-process changes.
func NewJSONStore(ctx context.Context, basePath string) (*JSONStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create conversations directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}

	storeCtx, cancel := context.WithCancel(ctx)
	s := &JSONStore{
		basePath:  basePath,
		summaries: make(map[string]Summary),
		records:   make(map[string]Record),
		watcher:   watcher,
		ctx:       storeCtx,
		cancel:    cancel,
	}

	if err := s.loadAll(); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "failed to load initial conversations")
	}

	if err := s.watcher.Add(basePath); err != nil {
		s.Close()
		return nil, errors.Wrap(err, "failed to watch conversations directory")
	}

	s.shutdownWg.Add(1)
	go s.watchFileChanges()

	return s, nil
}

func (s *JSONStore) loadAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.summaries = make(map[string]Summary)
	s.records = make(map[string]Record)

	return filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasSuffix(d.Name(), ".tmp") {
			return nil
		}
		if err := s.loadIntoCache(path); err != nil {
			logger.G(s.ctx).WithError(err).WithField("path", path).Warn("conversations: failed to load into cache")
		}
		return nil
	})
}

func (s *JSONStore) loadIntoCache(filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrap(err, "failed to read conversation file")
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return errors.Wrap(err, "failed to unmarshal conversation record")
	}
	s.summaries[record.ID] = record.ToSummary()
	s.records[record.ID] = record
	return nil
}

func (s *JSONStore) watchFileChanges() {
	defer s.shutdownWg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") || strings.HasSuffix(event.Name, ".tmp") {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(event.Name), ".json")
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create, event.Op&fsnotify.Write == fsnotify.Write:
				s.mu.Lock()
				if err := s.loadIntoCache(event.Name); err != nil {
					logger.G(s.ctx).WithError(err).WithField("id", id).Warn("conversations: failed to refresh cache entry")
				}
				s.mu.Unlock()
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				s.mu.Lock()
				delete(s.summaries, id)
				delete(s.records, id)
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.G(s.ctx).WithError(err).Error("conversations: file watcher error")
		}
	}
}

func (s *JSONStore) path(id string) string {
	return filepath.Join(s.basePath, id+".json")
}

// Save writes record atomically (temp file + rename) and updates the cache
// immediately, ahead of the watcher's own (eventually consistent) update.
func (s *JSONStore) Save(record Record) error {
	if record.ID == "" {
		record.ID = GenerateID()
	}
	record.UpdatedAt = time.Now()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal conversation record")
	}

	filePath := s.path(record.ID)
	tempPath := filePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write temporary conversation file")
	}
	if err := os.Rename(tempPath, filePath); err != nil {
		os.Remove(tempPath)
		return errors.Wrap(err, "failed to rename temporary conversation file")
	}

	s.mu.Lock()
	s.summaries[record.ID] = record.ToSummary()
	s.records[record.ID] = record
	s.mu.Unlock()

	return nil
}

// Load retrieves a session by ID, preferring the in-memory cache.
func (s *JSONStore) Load(id string) (Record, error) {
	s.mu.RLock()
	if r, ok := s.records[id]; ok {
		s.mu.RUnlock()
		return r, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.Errorf("conversation not found: %s", id)
		}
		return Record{}, errors.Wrap(err, "failed to read conversation file")
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, errors.Wrap(err, "failed to unmarshal conversation record")
	}

	s.mu.Lock()
	s.summaries[record.ID] = record.ToSummary()
	s.records[record.ID] = record
	s.mu.Unlock()

	return record, nil
}

// Delete removes a session's file and cache entry.
func (s *JSONStore) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return errors.Errorf("conversation not found: %s", id)
		}
		return errors.Wrap(err, "failed to delete conversation file")
	}

	s.mu.Lock()
	delete(s.summaries, id)
	delete(s.records, id)
	s.mu.Unlock()

	return nil
}

// List returns every session's Summary, most-recently-updated first.
func (s *JSONStore) List() ([]Summary, error) {
	return s.Query(QueryOptions{})
}

// Query filters and sorts cached summaries. A non-empty SearchTerm also
// falls back to loading and full-text-scanning message content for
// sessions whose summary/first-message don't already match.
func (s *JSONStore) Query(opts QueryOptions) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Summary
	for _, summary := range s.summaries {
		if opts.StartDate != nil && summary.UpdatedAt.Before(*opts.StartDate) {
			continue
		}
		if opts.EndDate != nil && summary.UpdatedAt.After(*opts.EndDate) {
			continue
		}
		if opts.SearchTerm != "" && !s.matchesSearch(summary, opts.SearchTerm) {
			continue
		}
		out = append(out, summary)
	}

	sortSummaries(out, opts.SortBy, opts.SortOrder)

	if opts.Limit > 0 || opts.Offset > 0 {
		offset := opts.Offset
		if offset > len(out) {
			offset = len(out)
		}
		limit := opts.Limit
		if limit <= 0 || offset+limit > len(out) {
			limit = len(out) - offset
		}
		out = out[offset : offset+limit]
	}

	return out, nil
}

func (s *JSONStore) matchesSearch(summary Summary, term string) bool {
	term = strings.ToLower(term)
	if strings.Contains(strings.ToLower(summary.Summary), term) {
		return true
	}
	if strings.Contains(strings.ToLower(summary.FirstMessage), term) {
		return true
	}
	record, ok := s.records[summary.ID]
	if !ok {
		return false
	}
	for _, m := range record.Messages {
		if strings.Contains(strings.ToLower(m.Content), term) {
			return true
		}
	}
	return false
}

func sortSummaries(summaries []Summary, sortBy, sortOrder string) {
	asc := sortOrder == "asc"
	less := func(i, j int) bool {
		switch sortBy {
		case "created", "created_at":
			if asc {
				return summaries[i].CreatedAt.Before(summaries[j].CreatedAt)
			}
			return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
		case "messages":
			if asc {
				return summaries[i].MessageCount < summaries[j].MessageCount
			}
			return summaries[i].MessageCount > summaries[j].MessageCount
		default:
			if asc {
				return summaries[i].UpdatedAt.Before(summaries[j].UpdatedAt)
			}
			return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
		}
	}
	sort.Slice(summaries, less)
}

// Close stops the file watcher and waits for its goroutine to exit.
func (s *JSONStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			logger.G(context.Background()).WithError(err).Error("conversations: failed to close file watcher")
		}
	}
	s.shutdownWg.Wait()
	return nil
}
