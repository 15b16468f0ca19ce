// Package memory implements session-scoped conversational memory: a
// write-behind vector index backed by a durable append-only log, plus
// rolling per-session summaries.
package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"council/internal/councilerr"
	"council/internal/observability"
	"council/internal/persistence/databases"

	"github.com/rs/zerolog"
)

// Entry is one piece of conversational memory attached to a session.
type Entry struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	Tags      map[string]string `json:"tags,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// QueryResult wraps an Entry with its similarity score and whether the
// search was truncated for latency reasons.
type QueryResult struct {
	Entry      Entry
	Score      float64
	Truncated  bool
}

type pendingWrite struct {
	entry  Entry
	vector []float32
}

// Store is the write-behind memory store: synchronous Add/Query from the
// caller's perspective, asynchronous durable persistence underneath.
type Store struct {
	vector  databases.VectorStore
	session databases.SessionStore
	embed   Embedder
	metrics *observability.Metrics
	log     zerolog.Logger

	dim            int
	flushInterval  time.Duration
	reindexInterval time.Duration
	archiveAge     time.Duration
	purgeAge       time.Duration
	sessionTTL     time.Duration

	mu      sync.RWMutex
	pending map[string]pendingWrite // id -> write, cleared on flush
	entries map[string]Entry        // all known entries, for Recent/scan fallback
	bySess  map[string][]string     // session_id -> entry ids, append order

	durableLog *os.File
	logMu      sync.Mutex

	degradedSince time.Time
	degradedMu    sync.Mutex

	closing chan struct{}
	closed  sync.Once
}

// Config bundles the tunables MemoryStore needs from top-level config.
type Config struct {
	Dimension       int
	FlushInterval   time.Duration
	ReindexInterval time.Duration
	ArchiveAge      time.Duration
	PurgeAge        time.Duration
	SessionTTL      time.Duration
	DurableLogPath  string
}

// New constructs a Store and starts its background write-behind, reindex,
// and GC loops. Callers must call Close to stop them and flush pending
// writes.
func New(cfg Config, vector databases.VectorStore, session databases.SessionStore, embed Embedder, metrics *observability.Metrics) (*Store, error) {
	f, err := os.OpenFile(cfg.DurableLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open durable memory log: %w", err)
	}
	s := &Store{
		vector:          vector,
		session:         session,
		embed:           embed,
		metrics:         metrics,
		log:             *observability.LoggerWithTrace(context.Background()),
		dim:             cfg.Dimension,
		flushInterval:   cfg.FlushInterval,
		reindexInterval: cfg.ReindexInterval,
		archiveAge:      cfg.ArchiveAge,
		purgeAge:        cfg.PurgeAge,
		sessionTTL:      cfg.SessionTTL,
		pending:         make(map[string]pendingWrite),
		entries:         make(map[string]Entry),
		bySess:          make(map[string][]string),
		durableLog:      f,
		closing:         make(chan struct{}),
	}
	go s.flushLoop()
	go s.reindexLoop()
	go s.gcLoop()
	return s, nil
}

// Add enqueues a new memory entry. Returns immediately once the entry is
// visible to in-process retrieval; durable persistence happens
// asynchronously.
func (s *Store) Add(ctx context.Context, sessionID, content string, tags map[string]string) (string, error) {
	if content == "" {
		return "", councilerr.New(councilerr.InvalidInput, "memory.Add", fmt.Errorf("empty content"))
	}
	vecs, err := s.embed.EmbedBatch(ctx, []string{content})
	if err != nil {
		return "", councilerr.New(councilerr.StoreUnavailable, "memory.Add", err)
	}
	id := newEntryID(sessionID)
	entry := Entry{ID: id, SessionID: sessionID, Content: content, Tags: tags, CreatedAt: time.Now().UTC()}

	s.mu.Lock()
	s.entries[id] = entry
	s.bySess[sessionID] = append(s.bySess[sessionID], id)
	s.pending[id] = pendingWrite{entry: entry, vector: vecs[0]}
	pendingLen := len(s.pending)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SetGauge("memory_pending_queue", float64(pendingLen), nil)
	}
	return id, nil
}

// Query returns up to k entries from session most similar to query_text,
// combining the durable index with a scan of the pending buffer so writes
// are visible to the next read (read-your-writes).
func (s *Store) Query(ctx context.Context, sessionID, queryText string, k int) ([]QueryResult, error) {
	if queryText == "" {
		return nil, councilerr.New(councilerr.InvalidInput, "memory.Query", fmt.Errorf("empty query"))
	}
	deadline := time.Now().Add(20 * time.Millisecond)
	vecs, err := s.embed.EmbedBatch(ctx, []string{queryText})
	if err != nil {
		s.log.Warn().Err(err).Msg("memory_query_embed_degraded")
		return nil, nil
	}
	q := vecs[0]

	filter := map[string]string{"session_id": sessionID}
	indexed, err := s.vector.SimilaritySearch(ctx, q, k, filter)
	if err != nil {
		s.log.Warn().Err(err).Msg("memory_query_index_degraded")
		indexed = nil
	}

	out := make([]QueryResult, 0, k)
	seen := make(map[string]bool, len(indexed))
	for _, r := range indexed {
		e, ok := s.lookupEntry(r.ID)
		if !ok {
			continue
		}
		out = append(out, QueryResult{Entry: e, Score: r.Score})
		seen[r.ID] = true
	}

	truncated := time.Now().After(deadline)
	if !truncated {
		out = append(out, s.scanPending(sessionID, q, k, seen)...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	for i := range out {
		out[i].Truncated = truncated
	}
	return out, nil
}

func (s *Store) scanPending(sessionID string, q []float32, k int, seen map[string]bool) []QueryResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []QueryResult
	qn := vecNorm(q)
	for id, pw := range s.pending {
		if seen[id] || pw.entry.SessionID != sessionID {
			continue
		}
		out = append(out, QueryResult{Entry: pw.entry, Score: vecCosine(q, pw.vector, qn)})
	}
	return out
}

func (s *Store) lookupEntry(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Recent returns the n most recently added entries for session, in append
// order (most recent last).
func (s *Store) Recent(sessionID string, n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySess[sessionID]
	if len(ids) > n {
		ids = ids[len(ids)-n:]
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Summary returns the current rolling summary for session, or "" if none.
func (s *Store) Summary(ctx context.Context, sessionID string) (string, error) {
	sess, err := s.session.GetSession(ctx, sessionID)
	if err != nil {
		if err == databases.ErrNotFound {
			return "", nil
		}
		return "", councilerr.New(councilerr.StoreUnavailable, "memory.Summary", err)
	}
	return sess.Summary, nil
}

const maxSummaryTokens = 80

// UpdateSummary replaces the session summary, rejecting one that exceeds
// the token cap (measured by whitespace-split word count, matching the
// approximation the Summariser itself uses).
func (s *Store) UpdateSummary(ctx context.Context, sessionID, text string) error {
	if wordCount(text) > maxSummaryTokens {
		return councilerr.New(councilerr.InvalidInput, "memory.UpdateSummary", fmt.Errorf("summary exceeds %d tokens", maxSummaryTokens))
	}
	if err := s.session.UpdateSummary(ctx, sessionID, text, 0); err != nil {
		return councilerr.New(councilerr.StoreUnavailable, "memory.UpdateSummary", err)
	}
	return nil
}

// PendingLen reports the current write-behind queue depth, for
// HealthMonitor's WriteBehindBacklog condition.
func (s *Store) PendingLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pending)
}

func (s *Store) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	backoff := s.flushInterval
	for {
		select {
		case <-s.closing:
			s.flushOnce()
			return
		case <-ticker.C:
			if err := s.flushOnceErr(); err != nil {
				backoff = minDur(backoff*2, 10*time.Second)
				s.log.Error().Err(err).Dur("backoff", backoff).Msg("memory_flush_failed")
				s.markDegraded()
				time.Sleep(backoff)
				continue
			}
			backoff = s.flushInterval
			s.clearDegraded()
		}
	}
}

func (s *Store) flushOnce() { _ = s.flushOnceErr() }

func (s *Store) flushOnceErr() error {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := make([]pendingWrite, 0, len(s.pending))
	for _, pw := range s.pending {
		batch = append(batch, pw)
	}
	s.pending = make(map[string]pendingWrite)
	s.mu.Unlock()

	ctx := context.Background()
	for _, pw := range batch {
		if err := s.appendDurable(pw.entry); err != nil {
			return err
		}
		tags := map[string]string{"session_id": pw.entry.SessionID}
		if err := s.vector.Upsert(ctx, pw.entry.ID, pw.vector, tags); err != nil {
			return err
		}
	}
	if s.metrics != nil {
		s.metrics.SetGauge("memory_pending_queue", float64(s.PendingLen()), nil)
	}
	return nil
}

func (s *Store) appendDurable(e Entry) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(s.durableLog)
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

func (s *Store) markDegraded() {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	if s.degradedSince.IsZero() {
		s.degradedSince = time.Now()
	}
}

func (s *Store) clearDegraded() {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	s.degradedSince = time.Time{}
}

// Degraded reports whether persistence has been failing for longer than
// grace, per spec's "surfaces a degraded-persistence condition to
// HealthMonitor after 10s".
func (s *Store) Degraded(grace time.Duration) bool {
	s.degradedMu.Lock()
	defer s.degradedMu.Unlock()
	return !s.degradedSince.IsZero() && time.Since(s.degradedSince) > grace
}

func (s *Store) reindexLoop() {
	ticker := time.NewTicker(s.reindexInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			// The vector store is already updated incrementally on flush;
			// periodic reindex exists for backends that benefit from batch
			// rebuilds (e.g. external ANN indexes). The in-memory/pgvector
			// backends used here apply writes immediately, so this tick is
			// a no-op hook for those backends.
		}
	}
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			s.gcOnce()
		}
	}
}

func (s *Store) gcOnce() {
	now := time.Now()
	s.gcEntries(now)
	s.gcIdleSessions(now)
}

func (s *Store) gcEntries(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessID, ids := range s.bySess {
		kept := ids[:0:0]
		for _, id := range ids {
			e := s.entries[id]
			age := now.Sub(e.CreatedAt)
			switch {
			case age > s.purgeAge:
				delete(s.entries, id)
				_ = s.vector.Delete(context.Background(), id)
			case age > s.archiveAge:
				// cold archive: kept in the durable log already written;
				// dropped from the hot in-memory index only.
				delete(s.entries, id)
				_ = s.vector.Delete(context.Background(), id)
			default:
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(s.bySess, sessID)
		} else {
			s.bySess[sessID] = kept
		}
	}
}

// gcIdleSessions implements spec.md §3's Session GC: a session idle (no
// turns) for longer than sessionTTL is deleted from the SessionStore and
// its MemoryEntries are dropped from the hot index, same as a purge-aged
// entry. The durable memory log is left untouched (already-archived data),
// matching gcEntries' "archive" sweep above.
func (s *Store) gcIdleSessions(now time.Time) {
	if s.sessionTTL <= 0 {
		return
	}
	ctx := context.Background()
	sessions, err := s.session.ListSessions(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("memory_gc_list_sessions_failed")
		return
	}
	for _, sess := range sessions {
		if now.Sub(sess.UpdatedAt) <= s.sessionTTL {
			continue
		}
		if err := s.session.DeleteSession(ctx, sess.ID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("memory_gc_delete_session_failed")
			continue
		}
		s.dropSessionEntries(sess.ID)
	}
}

func (s *Store) dropSessionEntries(sessionID string) {
	s.mu.Lock()
	ids := s.bySess[sessionID]
	delete(s.bySess, sessionID)
	for _, id := range ids {
		delete(s.entries, id)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.vector.Delete(context.Background(), id)
	}
}

// Replay reconstructs in-memory state from the durable append-only log,
// re-embedding each entry into the vector index, used on startup after a
// crash.
func (s *Store) Replay(ctx context.Context) error {
	f, err := os.Open(s.durableLog.Name())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return councilerr.New(councilerr.StoreUnavailable, "memory.Replay", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var restored int
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		s.mu.Lock()
		s.entries[e.ID] = e
		s.bySess[e.SessionID] = append(s.bySess[e.SessionID], e.ID)
		s.mu.Unlock()
		if vecs, err := s.embed.EmbedBatch(ctx, []string{e.Content}); err == nil && len(vecs) == 1 {
			_ = s.vector.Upsert(ctx, e.ID, vecs[0], map[string]string{"session_id": e.SessionID})
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return councilerr.New(councilerr.StoreUnavailable, "memory.Replay", err)
	}
	s.log.Info().Int("entries", restored).Msg("memory_replay_complete")
	return nil
}

// Close stops the background loops and flushes any remaining pending
// writes.
func (s *Store) Close() {
	s.closed.Do(func() {
		close(s.closing)
		time.Sleep(10 * time.Millisecond)
		s.flushOnce()
		_ = s.durableLog.Close()
	})
}

func newEntryID(sessionID string) string {
	return fmt.Sprintf("%s-%d", sessionID, time.Now().UnixNano())
}

func wordCount(s string) int {
	n := 0
	inWord := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func vecNorm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func vecCosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = vecNorm(a)
	}
	bnorm := vecNorm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}
