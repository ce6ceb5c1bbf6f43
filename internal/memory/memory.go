// Package memory implements a hierarchical STM/LTM store: volatile-by-default
// short-term windows and keyword-indexed long-term knowledge bases built
// from file globs, backed by a LevelDB key-prefix scheme (see DESIGN.md for
// what was dropped and why).
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/leonardorey/psrun/internal/globmatch"
	"github.com/leonardorey/psrun/internal/sandbox"
	"github.com/leonardorey/psrun/internal/value"
)

// LevelDB key prefix scheme for the LTM partitions.
const (
	prefixFact     = "fact|"
	prefixFile     = "file|"
	prefixCap      = "cap|"
	prefixGlossary = "glossary|"
	prefixIndex    = "idx|"
)

// RecentEvent is one STM history entry.
type RecentEvent struct {
	Type      string `json:"type"`
	Detail    string `json:"detail"`
	Timestamp string `json:"timestamp"`
}

// STM is the short-term memory partition: a volatile rolling window.
type STM struct {
	Summary      string        `json:"summary"`
	Objective    string        `json:"objective,omitempty"`
	Context      value.Value   `json:"context,omitempty"`
	RecentEvents []RecentEvent `json:"recent_events"`
	WindowSteps  int           `json:"window_steps"`
}

// LTM is the long-term memory partition: durable facts, file summaries,
// capabilities, and a glossary, indexed for keyword recall.
type LTM struct {
	Facts         map[string]value.Value `json:"facts"`
	FileSummaries map[string]string      `json:"file_summaries"`
	Capabilities  []string               `json:"capabilities"`
	Glossary      map[string]string      `json:"glossary"`
	Index         map[string][]string    `json:"index"`
}

func newLTM() *LTM {
	return &LTM{
		Facts:         map[string]value.Value{},
		FileSummaries: map[string]string{},
		Capabilities:  []string{},
		Glossary:      map[string]string{},
		Index:         map[string][]string{},
	}
}

// Milestone is one Checkpoint entry.
type Milestone struct {
	Ok       bool   `json:"ok"`
	Evidence string `json:"evidence,omitempty"`
}

// Checkpoint is a per-STM recap: milestone status plus the next step.
type Checkpoint struct {
	Milestones map[string]Milestone `json:"milestones"`
	Next       string               `json:"next"`
	Timestamp  string               `json:"timestamp"`
}

// Store holds every STM/LTM/Checkpoint keyed by caller-supplied name, for
// one project root. STM and checkpoints are volatile (in-memory only);
// LTM is persisted both to LevelDB and to a
// <project>/.ps-memory/<name>/ltm.json snapshot.
type Store struct {
	root string
	db   *leveldb.DB
	log  *slog.Logger

	mu          sync.Mutex
	stm         map[string]*STM
	ltm         map[string]*LTM
	checkpoints map[string]*Checkpoint
}

// Open opens (creating if absent) the LevelDB database under
// <project>/.ps-memory/db and hydrates every previously persisted LTM name
// back into memory, so long-term memory actually survives across runs.
func Open(projectRoot string) (*Store, error) {
	dbPath := filepath.Join(projectRoot, ".ps-memory", "db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("memory: mkdir: %w", err)
	}
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: open leveldb at %s: %w", dbPath, err)
	}
	s := &Store{
		root:        projectRoot,
		db:          db,
		log:         slog.With("component", "memory"),
		stm:         map[string]*STM{},
		ltm:         map[string]*LTM{},
		checkpoints: map[string]*Checkpoint{},
	}
	for _, name := range s.persistedNames() {
		s.ltm[name] = s.loadLTM(name)
	}
	return s, nil
}

// persistedNames returns every distinct memory name with at least one key
// in LevelDB, discovered by stripping each partition's prefix and taking
// the segment before the next "|".
func (s *Store) persistedNames() []string {
	seen := map[string]bool{}
	for _, prefix := range []string{prefixFact, prefixFile, prefixCap, prefixGlossary, prefixIndex} {
		iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for iter.Next() {
			rest := strings.TrimPrefix(string(iter.Key()), prefix)
			if i := strings.Index(rest, "|"); i >= 0 {
				seen[rest[:i]] = true
			}
		}
		iter.Release()
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// STM returns (creating if absent) the named short-term memory.
func (s *Store) STM(name string) *STM {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stm[name]
	if !ok {
		m = &STM{Context: value.Null_()}
		s.stm[name] = m
	}
	return m
}

// AppendEvent appends one recent_event to the named STM.
func (s *Store) AppendEvent(name, typ, detail string) {
	stm := s.STM(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	stm.RecentEvents = append(stm.RecentEvents, RecentEvent{
		Type: typ, Detail: detail, Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// SetSummary overwrites the named STM's summary, the write path
// summarize(...) uses to persist its LLM-produced digest.
func (s *Store) SetSummary(name, summary string) {
	stm := s.STM(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	stm.Summary = summary
}

// LTMFor returns the named long-term memory, hydrating it from LevelDB on
// first access if it was never loaded into the in-memory cache (e.g. Open
// ran before this name existed on disk, or the process restarted between
// persistLTM calls for some other name).
func (s *Store) LTMFor(name string) *LTM {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.ltm[name]
	if !ok {
		m = s.loadLTM(name)
		s.ltm[name] = m
	}
	return m
}

// loadLTM reconstructs one LTM from its LevelDB partitions. Absent keys
// simply yield an empty LTM, so this doubles as the fresh-name path.
func (s *Store) loadLTM(name string) *LTM {
	ltm := newLTM()
	if s.db == nil {
		return ltm
	}
	for k, v := range s.scanPrefix(prefixFact + name + "|") {
		key := strings.TrimPrefix(k, prefixFact+name+"|")
		var raw interface{}
		if err := json.Unmarshal(v, &raw); err == nil {
			ltm.Facts[key] = value.FromInterface(raw)
		}
	}
	for k, v := range s.scanPrefix(prefixFile + name + "|") {
		key := strings.TrimPrefix(k, prefixFile+name+"|")
		ltm.FileSummaries[key] = string(v)
	}
	for k := range s.scanPrefix(prefixCap + name + "|") {
		key := strings.TrimPrefix(k, prefixCap+name+"|")
		ltm.Capabilities = append(ltm.Capabilities, key)
	}
	sort.Strings(ltm.Capabilities)
	for k, v := range s.scanPrefix(prefixGlossary + name + "|") {
		key := strings.TrimPrefix(k, prefixGlossary+name+"|")
		ltm.Glossary[key] = string(v)
	}
	for k, v := range s.scanPrefix(prefixIndex + name + "|") {
		key := strings.TrimPrefix(k, prefixIndex+name+"|")
		var ids []string
		if err := json.Unmarshal(v, &ids); err == nil {
			ltm.Index[key] = ids
		}
	}
	return ltm
}

// BuildMemory implements build_memory(name, {globs, mode}): walks
// projectRoot matching globs, summarizes each matched file (first 200
// bytes, trimmed), and persists the result.
func (s *Store) BuildMemory(name string, globs []string, mode string) (*LTM, error) {
	ltm := s.LTMFor(name)
	s.mu.Lock()
	if mode == "reset" {
		ltm = newLTM()
		s.ltm[name] = ltm
	}
	s.mu.Unlock()

	var matched []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if sandbox.IsSensitive(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		for _, g := range globs {
			if globmatch.Match(g, rel) {
				matched = append(matched, rel)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: build_memory walk: %w", err)
	}
	sort.Strings(matched)

	s.mu.Lock()
	for _, rel := range matched {
		data, rerr := os.ReadFile(filepath.Join(s.root, rel))
		if rerr != nil {
			continue
		}
		summary := strings.TrimSpace(string(data))
		if len(summary) > 200 {
			summary = summary[:200]
		}
		ltm.FileSummaries[rel] = summary
		ltm.Index[rel] = []string{rel}
	}
	s.mu.Unlock()

	if err := s.persistLTM(name, ltm); err != nil {
		return nil, err
	}
	return ltm, nil
}

// persistLTM writes every LTM field into LevelDB under the prefix scheme
// loadLTM reads back, and rewrites the <project>/.ps-memory/<name>/ltm.json
// snapshot.
func (s *Store) persistLTM(name string, ltm *LTM) error {
	batch := new(leveldb.Batch)
	for k, v := range ltm.Facts {
		b, _ := json.Marshal(value.ToInterface(v))
		batch.Put([]byte(prefixFact+name+"|"+k), b)
	}
	for path, summary := range ltm.FileSummaries {
		batch.Put([]byte(prefixFile+name+"|"+path), []byte(summary))
	}
	for _, cap := range ltm.Capabilities {
		batch.Put([]byte(prefixCap+name+"|"+cap), []byte{1})
	}
	for term, def := range ltm.Glossary {
		batch.Put([]byte(prefixGlossary+name+"|"+term), []byte(def))
	}
	for path, ids := range ltm.Index {
		b, _ := json.Marshal(ids)
		batch.Put([]byte(prefixIndex+name+"|"+path), b)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("memory: leveldb write: %w", err)
	}

	dir := filepath.Join(s.root, ".ps-memory", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: mkdir %s: %w", dir, err)
	}
	snap, err := json.MarshalIndent(ltm, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: marshal ltm.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ltm.json"), snap, 0o644); err != nil {
		return fmt.Errorf("memory: write ltm.json: %w", err)
	}
	return nil
}

// RecallChunk is one result of Recall.
type RecallChunk struct {
	Source    string  `json:"source"`
	Content   string  `json:"content"`
	Relevance float64 `json:"relevance"`
}

// Recall implements recall(name, query, top_k): scans file_summaries and
// glossary for case-insensitive substring matches, ranking file_summaries
// at or above glossary matches.
func (s *Store) Recall(name, query string, topK int) []RecallChunk {
	ltm := s.LTMFor(name)
	q := strings.ToLower(query)

	var chunks []RecallChunk
	s.mu.Lock()
	for path, summary := range ltm.FileSummaries {
		if strings.Contains(strings.ToLower(summary), q) || strings.Contains(strings.ToLower(path), q) {
			chunks = append(chunks, RecallChunk{Source: path, Content: summary, Relevance: 1.0})
		}
	}
	for term, def := range ltm.Glossary {
		if strings.Contains(strings.ToLower(term), q) || strings.Contains(strings.ToLower(def), q) {
			chunks = append(chunks, RecallChunk{Source: term, Content: def, Relevance: 0.5})
		}
	}
	s.mu.Unlock()

	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Relevance > chunks[j].Relevance })
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks
}

// ForgetResult is the {before_tokens, after_tokens} return of forget(...).
type ForgetResult struct {
	BeforeTokens int `json:"before_tokens"`
	AfterTokens  int `json:"after_tokens"`
}

func estimateTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	n := len(b)
	return (n + 3) / 4
}

// Forget implements forget({memory_key, mode, keep_n}): the checkpoint
// recap is derived synchronously from the STM's existing Checkpoint, never
// from an LLM call.
func (s *Store) Forget(memoryKey, mode string, keepN int) ForgetResult {
	stm := s.STM(memoryKey)
	s.mu.Lock()
	defer s.mu.Unlock()

	before := estimateTokens(stm)
	cp := s.checkpoints[memoryKey]

	switch mode {
	case "compact":
		stm.Summary = checkpointRecap(cp)
		if len(stm.RecentEvents) > 3 {
			stm.RecentEvents = stm.RecentEvents[len(stm.RecentEvents)-3:]
		}
	case "reset":
		stm.Summary = checkpointRecap(cp)
		stm.RecentEvents = nil
		stm.Context = value.Null_()
	case "keep_last":
		if keepN < 0 {
			keepN = 0
		}
		if len(stm.RecentEvents) > keepN {
			stm.RecentEvents = stm.RecentEvents[len(stm.RecentEvents)-keepN:]
		}
	}

	after := estimateTokens(stm)
	return ForgetResult{BeforeTokens: before, AfterTokens: after}
}

func checkpointRecap(cp *Checkpoint) string {
	if cp == nil {
		return "(no checkpoint)"
	}
	return fmt.Sprintf("checkpoint @ %s: next=%s", cp.Timestamp, cp.Next)
}

// SetCheckpoint records a Checkpoint for memoryKey, used by Forget's recap
// derivation.
func (s *Store) SetCheckpoint(memoryKey string, cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	s.checkpoints[memoryKey] = &cp
}

// ArchiveResult is returned by archive(...).
type ArchiveResult struct {
	ArchiveKey string `json:"archive_key"`
}

// Archive implements archive({memory_key, to_ltm, clear_stm}): copies the
// STM's digest into the named LTM as a fact under a unique archive key.
func (s *Store) Archive(memoryKey, toLTM string, clearSTM bool) ArchiveResult {
	stm := s.STM(memoryKey)
	ltm := s.LTMFor(toLTM)

	key := "archive-" + uuid.New().String()
	s.mu.Lock()
	digest := value.EmptyObject()
	digest.Set("summary", value.NewStr(stm.Summary))
	digest.Set("objective", value.NewStr(stm.Objective))
	events := make([]value.Value, len(stm.RecentEvents))
	for i, e := range stm.RecentEvents {
		ev := value.EmptyObject()
		ev.Set("type", value.NewStr(e.Type))
		ev.Set("detail", value.NewStr(e.Detail))
		ev.Set("timestamp", value.NewStr(e.Timestamp))
		events[i] = ev
	}
	digest.Set("recent_events", value.NewArray(events))
	ltm.Facts[key] = digest

	if clearSTM {
		stm.Summary = ""
		stm.Objective = ""
		stm.RecentEvents = nil
		stm.Context = value.Null_()
	}
	s.mu.Unlock()

	if err := s.persistLTM(toLTM, ltm); err != nil {
		s.log.Error("archive: persist ltm", "error", err)
	}
	return ArchiveResult{ArchiveKey: key}
}

// scanPrefix range-scans every key under prefix, used by loadLTM to
// rebuild one LTM partition from LevelDB.
func (s *Store) scanPrefix(prefix string) map[string][]byte {
	out := map[string][]byte{}
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		k := make([]byte, len(iter.Key()))
		copy(k, iter.Key())
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out[string(k)] = v
	}
	return out
}
