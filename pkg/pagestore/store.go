// Package pagestore provides a content-addressed, ref-counted, persisted
// implementation of the page store Virtual Memory depends on (see
// pkg/vm.PageStore). Pages are stored one JSON file per page, written
// atomically via a temp-file-then-rename, mirroring the conversation
// store's on-disk discipline.
package pagestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jingkaihe/kodelet-memcore/pkg/logger"
	"github.com/jingkaihe/kodelet-memcore/pkg/vm"
	"github.com/pkg/errors"
)

// entry is the in-memory index record for one page, rebuilt from disk on
// open so ref counts and pin state survive a restart without always
// touching disk on every read.
type entry struct {
	meta vm.PageMeta
}

// FileStore is a directory-backed vm.PageStore. One JSON file per page
// under <basePath>/pages/<id>.json. Safe for concurrent use.
type FileStore struct {
	basePath string
	mu       sync.Mutex
	index    map[string]*entry
}

// NewFileStore opens (creating if absent) a page store rooted at basePath,
// loading its index from any pages already on disk.
func NewFileStore(ctx context.Context, basePath string) (*FileStore, error) {
	pagesDir := filepath.Join(basePath, "pages")
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "pagestore: create pages dir")
	}
	s := &FileStore{basePath: basePath, index: make(map[string]*entry)}
	if err := s.loadIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) pagesDir() string { return filepath.Join(s.basePath, "pages") }

func (s *FileStore) pagePath(id string) string {
	return filepath.Join(s.pagesDir(), id+".json")
}

func (s *FileStore) loadIndex(ctx context.Context) error {
	entries, err := os.ReadDir(s.pagesDir())
	if err != nil {
		return errors.Wrap(err, "pagestore: read pages dir")
	}
	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(de.Name(), ".json")
		page, err := s.readPage(id)
		if err != nil {
			logger.G(ctx).WithError(err).WithField("page_id", id).Warn("pagestore: skipping unreadable page")
			continue
		}
		s.index[id] = &entry{meta: vm.PageMeta{
			ID:         page.ID,
			Label:      page.Label,
			RefCount:   page.RefCount,
			Pinned:     page.Pinned,
			TokenCount: page.TokenCount,
			CreatedAt:  page.CreatedAt,
		}}
	}
	return nil
}

func (s *FileStore) readPage(id string) (*vm.Page, error) {
	data, err := os.ReadFile(s.pagePath(id))
	if err != nil {
		return nil, err
	}
	var p vm.Page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "pagestore: unmarshal page")
	}
	return &p, nil
}

// writePageAtomic writes a page to disk via a temp file in the same
// directory followed by an atomic rename, so a crash mid-write never
// leaves a torn page file.
func (s *FileStore) writePageAtomic(p *vm.Page) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "pagestore: marshal page")
	}
	dst := s.pagePath(p.ID)
	tmp := dst + ".tmp-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "pagestore: write temp page file")
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "pagestore: rename page file")
	}
	return nil
}

// Create persists a new page and returns its id.
func (s *FileStore) Create(ctx context.Context, rawMessages []vm.Message, summary, label string) (string, error) {
	id := uuid.NewString()
	p := &vm.Page{
		ID:          id,
		Label:       label,
		Summary:     summary,
		RawMessages: rawMessages,
		TokenCount:  estimateRaw(rawMessages, summary),
		CreatedAt:   time.Now().Unix(),
		SourceLaneCounts: laneCounts(rawMessages),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writePageAtomic(p); err != nil {
		logger.G(ctx).WithError(err).Warn("pagestore: persistence failure creating page")
		return "", err
	}
	s.index[id] = &entry{meta: vm.PageMeta{ID: id, Label: label, TokenCount: p.TokenCount, CreatedAt: p.CreatedAt}}
	return id, nil
}

// Load returns a page, or nil if it never existed or was physically GC'd.
// Per spec.md §4.2 this never returns an error for a missing id.
func (s *FileStore) Load(ctx context.Context, id string) (*vm.Page, error) {
	s.mu.Lock()
	_, known := s.index[id]
	s.mu.Unlock()
	if !known {
		return nil, nil
	}
	p, err := s.readPage(id)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("page_id", id).Warn("pagestore: load failure")
		return nil, nil
	}
	return p, nil
}

// IncRef increments a page's ref count. No-op (not an error) on unknown ids.
func (s *FileStore) IncRef(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(p *vm.Page) { p.RefCount++ })
}

// DecRef decrements a page's ref count; it never falls below zero and
// never triggers immediate physical deletion (eligibility only).
func (s *FileStore) DecRef(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(p *vm.Page) {
		if p.RefCount > 0 {
			p.RefCount--
		}
	})
}

// Pin marks a page as never garbage collectible.
func (s *FileStore) Pin(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(p *vm.Page) { p.Pinned = true })
}

// Unpin clears a page's pin.
func (s *FileStore) Unpin(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(p *vm.Page) { p.Pinned = false })
}

func (s *FileStore) mutate(ctx context.Context, id string, fn func(*vm.Page)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[id]
	if !ok {
		return nil // dangling/nonexistent ids are a no-op, not an error
	}
	p, err := s.readPage(id)
	if err != nil {
		logger.G(ctx).WithError(err).WithField("page_id", id).Warn("pagestore: mutate read failure")
		return nil
	}
	fn(p)
	if err := s.writePageAtomic(p); err != nil {
		logger.G(ctx).WithError(err).WithField("page_id", id).Warn("pagestore: mutate persist failure")
		return nil
	}
	e.meta.RefCount = p.RefCount
	e.meta.Pinned = p.Pinned
	return nil
}

// List returns lightweight metadata for every page still in the index
// (GC is a separate, explicit background pass — see GC).
func (s *FileStore) List(ctx context.Context) ([]vm.PageMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]vm.PageMeta, 0, len(s.index))
	for _, e := range s.index {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// Grep searches summaries and, for pages whose raw content is already on
// disk (all of them, in this implementation — pages persist their raw
// messages), raw message content. regexp is the correct, idiomatic choice
// for in-process text search; no ecosystem grep library appears anywhere
// in the corpus for this use (see DESIGN.md).
func (s *FileStore) Grep(ctx context.Context, pattern string, opts vm.GrepOptions) ([]vm.GrepMatch, error) {
	var re *regexp.Regexp
	var err error
	if opts.Literal {
		re, err = regexp.Compile(regexp.QuoteMeta(pattern))
	} else if opts.IgnoreCase {
		re, err = regexp.Compile("(?i)" + pattern)
	} else {
		re, err = regexp.Compile(pattern)
	}
	if err != nil {
		return nil, errors.Wrap(err, "pagestore: compile grep pattern")
	}

	s.mu.Lock()
	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var out []vm.GrepMatch
	for _, id := range ids {
		p, err := s.readPage(id)
		if err != nil {
			continue
		}
		haystack := p.Summary
		for _, m := range p.RawMessages {
			haystack += "\n" + m.Content
		}
		matches := re.FindAllStringIndex(haystack, -1)
		if len(matches) == 0 {
			continue
		}
		snippetStart := matches[0][0] - 40
		if snippetStart < 0 {
			snippetStart = 0
		}
		snippetEnd := matches[0][1] + 40
		if snippetEnd > len(haystack) {
			snippetEnd = len(haystack)
		}
		out = append(out, vm.GrepMatch{
			PageID:     id,
			Label:      p.Label,
			Snippet:    haystack[snippetStart:snippetEnd],
			MatchCount: len(matches),
			Loaded:     p.RefCount > 0,
		})
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			break
		}
	}
	return out, nil
}

// GC physically removes pages with RefCount==0 and Pinned==false from
// disk. Per spec.md §4.2/§3's PageStore invariants, this only ever removes
// eligible pages; their ids remain valid historical references that
// resolve to "page gone" (Load returns nil, nil) afterward.
func (s *FileStore) GC(ctx context.Context) (removed []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.index {
		if e.meta.RefCount > 0 || e.meta.Pinned {
			continue
		}
		if rmErr := os.Remove(s.pagePath(id)); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.G(ctx).WithError(rmErr).WithField("page_id", id).Warn("pagestore: gc remove failed")
			continue
		}
		delete(s.index, id)
		removed = append(removed, id)
	}
	return removed, nil
}

func estimateRaw(raw []vm.Message, summary string) int {
	n := len(summary)
	for _, m := range raw {
		n += len(m.Content)
	}
	return n / 4 // rough accounting; precise budget math lives in pkg/tokenest
}

func laneCounts(raw []vm.Message) map[vm.Role]int {
	out := map[vm.Role]int{}
	for _, m := range raw {
		out[m.Role]++
	}
	return out
}
