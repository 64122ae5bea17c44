package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	stdatomic "sync/atomic"
	"time"

	"github.com/harunnryd/stepunlock/internal/config"
	heikeErrors "github.com/harunnryd/stepunlock/internal/errors"
	"github.com/harunnryd/stepunlock/internal/idempotency"
	"github.com/harunnryd/stepunlock/internal/model"

	"github.com/natefinch/atomic"
)

type Operation int

const (
	OpAppendTransaction Operation = iota
	OpPurgeTransactions
	OpPutHabit
	OpPutProgress
	OpPutStreak
	OpPutRule
	OpDeleteRule
	OpPutSession
	OpEndSession
	OpEndExpiredSessions
	OpPurgeSessions
)

func (o Operation) String() string {
	switch o {
	case OpAppendTransaction:
		return "append_transaction"
	case OpPurgeTransactions:
		return "purge_transactions"
	case OpPutHabit:
		return "put_habit"
	case OpPutProgress:
		return "put_progress"
	case OpPutStreak:
		return "put_streak"
	case OpPutRule:
		return "put_rule"
	case OpDeleteRule:
		return "delete_rule"
	case OpPutSession:
		return "put_session"
	case OpEndSession:
		return "end_session"
	case OpEndExpiredSessions:
		return "end_expired_sessions"
	case OpPurgeSessions:
		return "purge_sessions"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

type Request struct {
	Op       Operation
	Payload  interface{}
	Result   chan error
	Response chan interface{}
}

type AppendPayload struct {
	Tx           model.Transaction
	EnforceFloor bool
}

type EndSessionPayload struct {
	ID     string
	At     time.Time
	Reason model.SessionEndReason
}

const (
	transactionsFile = "transactions.jsonl"
	purgedKeysFile   = "purged_keys.json"
	habitsFile       = "habits.json"
	progressFile     = "progress.json"
	streaksFile      = "streaks.json"
	rulesFile        = "rules.json"
	sessionsFile     = "sessions.json"
)

// fileState is the in-memory image of the workspace. Only the worker
// goroutine replaces its fields, always under mu; maps are copied on write so
// a reader holding an old map never sees it change.
type fileState struct {
	txs      []model.Transaction
	byKey    map[string]int
	balance  int64
	nextID   int64
	habits   map[string]model.HabitDefinition
	progress map[string]model.HabitProgress
	streaks  map[string]model.Streak
	rules    map[string]model.AppRule
	sessions map[string]model.UnlockSession
}

// Worker is the file backed Store. Every write goes through a single
// goroutine reading the inbox, so ledger appends are totally ordered; reads
// are served from memory under a read lock.
type Worker struct {
	workspaceID string
	basePath    string
	ledgerDir   string
	stateDir    string
	inbox       chan Request
	purged      *idempotency.Store
	fileLock    *FileLock
	quit        chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
	running     stdatomic.Bool
	stopOnce    sync.Once

	mu    sync.RWMutex
	state *fileState
}

type RuntimeConfig struct {
	LockTimeout time.Duration
	LockRetry   time.Duration
	InboxSize   int
}

func NewWorker(workspaceID string, workspaceRootPath string, runtimeCfg RuntimeConfig) (*Worker, error) {
	basePath, err := GetWorkspacePath(workspaceID, workspaceRootPath)
	if err != nil {
		return nil, err
	}
	ledgerDir := filepath.Join(basePath, "ledger")
	stateDir := filepath.Join(basePath, "state")

	for _, d := range []string{ledgerDir, stateDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", d, err)
		}
	}

	if runtimeCfg.LockTimeout <= 0 {
		lockTimeout, err := config.DurationOrDefault("", config.DefaultStoreLockTimeout)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock timeout: %w", err)
		}
		runtimeCfg.LockTimeout = lockTimeout
	}
	if runtimeCfg.LockRetry <= 0 {
		lockRetry, err := config.DurationOrDefault("", config.DefaultStoreLockRetry)
		if err != nil {
			return nil, fmt.Errorf("parse default store lock retry: %w", err)
		}
		runtimeCfg.LockRetry = lockRetry
	}
	if runtimeCfg.InboxSize <= 0 {
		runtimeCfg.InboxSize = config.DefaultStoreInboxSize
	}

	// File Lock (Single Instance per Workspace)
	fileLock, err := NewFileLock(workspaceID, basePath, &FileLockConfig{
		LockTimeout: runtimeCfg.LockTimeout,
		LockRetry:   runtimeCfg.LockRetry,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	purged, err := idempotency.NewStore(filepath.Join(ledgerDir, purgedKeysFile))
	if err != nil {
		fileLock.Unlock()
		return nil, fmt.Errorf("failed to load purged keys: %w", err)
	}

	w := &Worker{
		workspaceID: workspaceID,
		basePath:    basePath,
		ledgerDir:   ledgerDir,
		stateDir:    stateDir,
		inbox:       make(chan Request, runtimeCfg.InboxSize),
		purged:      purged,
		fileLock:    fileLock,
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	state, err := w.load()
	if err != nil {
		fileLock.Unlock()
		return nil, err
	}
	w.state = state

	return w, nil
}

func (w *Worker) load() (*fileState, error) {
	st := &fileState{
		byKey:    make(map[string]int),
		habits:   make(map[string]model.HabitDefinition),
		progress: make(map[string]model.HabitProgress),
		streaks:  make(map[string]model.Streak),
		rules:    make(map[string]model.AppRule),
		sessions: make(map[string]model.UnlockSession),
	}

	txs, err := w.loadTransactions()
	if err != nil {
		return nil, err
	}
	st.txs = txs

	var maxID int64
	for i, tx := range txs {
		st.byKey[tx.IdempotencyKey] = i
		st.balance += tx.Delta
		if tx.ID > maxID {
			maxID = tx.ID
		}
	}
	if tomb := w.purged.MaxID(); tomb > maxID {
		maxID = tomb
	}
	st.nextID = maxID + 1

	snapshots := []struct {
		name   string
		target interface{}
	}{
		{habitsFile, &st.habits},
		{progressFile, &st.progress},
		{streaksFile, &st.streaks},
		{rulesFile, &st.rules},
		{sessionsFile, &st.sessions},
	}
	for _, s := range snapshots {
		if err := loadJSON(filepath.Join(w.stateDir, s.name), s.target); err != nil {
			return nil, err
		}
	}

	slog.Info("Store loaded",
		"workspace", w.workspaceID,
		"transactions", len(st.txs),
		"balance", st.balance,
		"purged_keys", w.purged.Len(),
	)
	return st, nil
}

// loadTransactions reads the append-only log. A trailing line without a
// newline is a torn write from a crash and is cut off.
func (w *Worker) loadTransactions() ([]model.Transaction, error) {
	path := filepath.Join(w.ledgerDir, transactionsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read transaction log: %w", err)
	}

	if n := len(data); n > 0 && data[n-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		slog.Warn("Truncating torn transaction log tail", "path", path, "bytes", n-cut)
		if err := os.Truncate(path, int64(cut)); err != nil {
			return nil, fmt.Errorf("truncate torn log: %w", err)
		}
		data = data[:cut]
	}

	var txs []model.Transaction
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var tx model.Transaction
		if err := json.Unmarshal(raw, &tx); err != nil {
			return nil, fmt.Errorf("transaction log line %d: %w", line, err)
		}
		txs = append(txs, tx)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan transaction log: %w", err)
	}
	return txs, nil
}

func loadJSON(path string, target interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (w *Worker) saveJSON(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(filepath.Join(w.stateDir, name), bytes.NewReader(data))
}

func (w *Worker) Start() {
	w.running.Store(true)
	w.wg.Add(1)
	go w.loop()
}

func (w *Worker) loop() {
	slog.Info("StoreWorker started", "workspace", w.workspaceID)
	defer func() {
		w.running.Store(false)
		close(w.done)
		w.wg.Done()
	}()

	for {
		select {
		case req := <-w.inbox:
			resp, err := w.handle(req)
			if req.Response != nil && err == nil {
				req.Response <- resp
			}
			if req.Result != nil {
				req.Result <- err
			}
		case <-w.quit:
			slog.Info("StoreWorker stopping", "workspace", w.workspaceID)
			return
		}
	}
}

func (w *Worker) handle(req Request) (interface{}, error) {
	switch req.Op {
	case OpAppendTransaction:
		p, ok := req.Payload.(AppendPayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return w.appendTransaction(p)
	case OpPurgeTransactions:
		before, ok := req.Payload.(time.Time)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return w.purgeTransactions(before)
	case OpPutHabit:
		def, ok := req.Payload.(model.HabitDefinition)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return nil, w.putHabit(def)
	case OpPutProgress:
		p, ok := req.Payload.(model.HabitProgress)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return nil, w.putProgress(p)
	case OpPutStreak:
		s, ok := req.Payload.(model.Streak)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return nil, w.putStreak(s)
	case OpPutRule:
		r, ok := req.Payload.(model.AppRule)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return nil, w.putRule(r)
	case OpDeleteRule:
		id, ok := req.Payload.(string)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return nil, w.deleteRule(id)
	case OpPutSession:
		s, ok := req.Payload.(model.UnlockSession)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return nil, w.putSession(s)
	case OpEndSession:
		p, ok := req.Payload.(EndSessionPayload)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return w.endSession(p)
	case OpEndExpiredSessions:
		at, ok := req.Payload.(time.Time)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return w.endExpiredSessions(at)
	case OpPurgeSessions:
		before, ok := req.Payload.(time.Time)
		if !ok {
			return nil, fmt.Errorf("invalid payload for %s", req.Op)
		}
		return w.purgeSessions(before)
	default:
		return nil, fmt.Errorf("unknown operation: %d", req.Op)
	}
}

// submit hands a request to the worker goroutine and waits for its answer.
func (w *Worker) submit(ctx context.Context, op Operation, payload interface{}) (interface{}, error) {
	if !w.running.Load() {
		return nil, heikeErrors.StorageFailure(op.String(), errors.New("store worker is not running"))
	}

	req := Request{
		Op:       op,
		Payload:  payload,
		Result:   make(chan error, 1),
		Response: make(chan interface{}, 1),
	}

	select {
	case w.inbox <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.done:
		return nil, heikeErrors.StorageFailure(op.String(), errors.New("store worker stopped"))
	}

	var err error
	select {
	case err = <-req.Result:
	case <-w.done:
		// the loop may have answered right before exiting
		select {
		case err = <-req.Result:
		default:
			return nil, heikeErrors.StorageFailure(op.String(), errors.New("store worker stopped"))
		}
	}
	if err != nil {
		return nil, err
	}
	select {
	case resp := <-req.Response:
		return resp, nil
	default:
		return nil, nil
	}
}

// Ledger writes

func (w *Worker) appendTransaction(p AppendPayload) (AppendResult, error) {
	st := w.state
	key := p.Tx.IdempotencyKey
	if key == "" {
		return AppendResult{}, heikeErrors.InvalidConfig("transaction requires an idempotency key")
	}

	if i, ok := st.byKey[key]; ok {
		return AppendResult{Transaction: cloneTx(st.txs[i]), Duplicate: true, Balance: st.balance}, nil
	}
	if _, ok := w.purged.Lookup(key); ok {
		return AppendResult{}, heikeErrors.NotFound(fmt.Sprintf("transaction with idempotency key %q was purged", key))
	}
	if p.EnforceFloor && p.Tx.Delta < 0 && st.balance+p.Tx.Delta < 0 {
		return AppendResult{Balance: st.balance}, heikeErrors.InsufficientCredits(st.balance, -p.Tx.Delta)
	}

	tx := cloneTx(p.Tx)
	tx.ID = st.nextID
	if err := w.appendLine(tx); err != nil {
		return AppendResult{}, heikeErrors.StorageFailure("append transaction", err)
	}

	w.mu.Lock()
	st.txs = append(st.txs, tx)
	st.byKey[key] = len(st.txs) - 1
	st.balance += tx.Delta
	st.nextID++
	balance := st.balance
	w.mu.Unlock()

	return AppendResult{Transaction: cloneTx(tx), Balance: balance}, nil
}

func (w *Worker) appendLine(tx model.Transaction) error {
	line, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	f, err := os.OpenFile(filepath.Join(w.ledgerDir, transactionsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}

func (w *Worker) purgeTransactions(before time.Time) (int, error) {
	st := w.state

	kept := make([]model.Transaction, 0, len(st.txs))
	tombstones := make(map[string]int64)
	var carried int64
	for _, tx := range st.txs {
		if tx.Timestamp.Before(before) {
			tombstones[tx.IdempotencyKey] = tx.ID
			carried += tx.Delta
			continue
		}
		kept = append(kept, tx)
	}
	if len(tombstones) == 0 {
		return 0, nil
	}

	if err := w.purged.MarkAll(tombstones); err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}

	nextID := st.nextID
	if carried != 0 {
		fwd := BalanceForward(carried, len(tombstones), before)
		fwd.ID = nextID
		nextID++
		kept = append(kept, fwd)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, tx := range kept {
		if err := enc.Encode(tx); err != nil {
			return 0, heikeErrors.StorageFailure("purge transactions", err)
		}
	}
	if err := atomic.WriteFile(filepath.Join(w.ledgerDir, transactionsFile), &buf); err != nil {
		return 0, heikeErrors.StorageFailure("purge transactions", err)
	}

	byKey := make(map[string]int, len(kept))
	for i, tx := range kept {
		byKey[tx.IdempotencyKey] = i
	}

	w.mu.Lock()
	st.txs = kept
	st.byKey = byKey
	st.nextID = nextID
	w.mu.Unlock()

	slog.Info("Purged ledger transactions", "count", len(tombstones), "carried", carried, "before", before)
	return len(tombstones), nil
}

// State writes. Each builds the next map, persists it, then swaps it in.

func (w *Worker) putHabit(def model.HabitDefinition) error {
	next := withEntry(w.state.habits, def.ID, def)
	if err := w.saveJSON(habitsFile, next); err != nil {
		return heikeErrors.StorageFailure("put habit", err)
	}
	w.mu.Lock()
	w.state.habits = next
	w.mu.Unlock()
	return nil
}

func (w *Worker) putProgress(p model.HabitProgress) error {
	next := withEntry(w.state.progress, model.ProgressKey(p.HabitID, p.Day), p)
	if err := w.saveJSON(progressFile, next); err != nil {
		return heikeErrors.StorageFailure("put progress", err)
	}
	w.mu.Lock()
	w.state.progress = next
	w.mu.Unlock()
	return nil
}

func (w *Worker) putStreak(s model.Streak) error {
	next := withEntry(w.state.streaks, s.HabitID, s)
	if err := w.saveJSON(streaksFile, next); err != nil {
		return heikeErrors.StorageFailure("put streak", err)
	}
	w.mu.Lock()
	w.state.streaks = next
	w.mu.Unlock()
	return nil
}

func (w *Worker) putRule(r model.AppRule) error {
	next := withEntry(w.state.rules, r.PackageID, r)
	if err := w.saveJSON(rulesFile, next); err != nil {
		return heikeErrors.StorageFailure("put rule", err)
	}
	w.mu.Lock()
	w.state.rules = next
	w.mu.Unlock()
	return nil
}

func (w *Worker) deleteRule(packageID string) error {
	if _, ok := w.state.rules[packageID]; !ok {
		return heikeErrors.NotFound(fmt.Sprintf("app rule %q not found", packageID))
	}
	next := withoutEntry(w.state.rules, packageID)
	if err := w.saveJSON(rulesFile, next); err != nil {
		return heikeErrors.StorageFailure("delete rule", err)
	}
	w.mu.Lock()
	w.state.rules = next
	w.mu.Unlock()
	return nil
}

func (w *Worker) putSession(s model.UnlockSession) error {
	if s.IdempotencyKey != "" {
		for id, existing := range w.state.sessions {
			if id != s.ID && existing.IdempotencyKey == s.IdempotencyKey {
				return heikeErrors.Wrap(heikeErrors.ErrInvalidConfig,
					fmt.Sprintf("session idempotency key %q already used by %s", s.IdempotencyKey, id))
			}
		}
	}
	return w.commitSessions(withEntry(w.state.sessions, s.ID, s), "put session")
}

func (w *Worker) endSession(p EndSessionPayload) (model.UnlockSession, error) {
	s, ok := w.state.sessions[p.ID]
	if !ok {
		return model.UnlockSession{}, heikeErrors.NotFound(fmt.Sprintf("unlock session %q not found", p.ID))
	}
	if s.EndedAt != nil {
		return s, nil
	}
	at := p.At
	s.EndedAt = &at
	s.EndReason = p.Reason
	if err := w.commitSessions(withEntry(w.state.sessions, s.ID, s), "end session"); err != nil {
		return model.UnlockSession{}, err
	}
	return s, nil
}

func (w *Worker) endExpiredSessions(at time.Time) ([]model.UnlockSession, error) {
	var ended []model.UnlockSession
	next := w.state.sessions
	for _, s := range w.state.sessions {
		if s.EndedAt != nil || s.ExpiresAt().After(at) {
			continue
		}
		expiry := s.ExpiresAt()
		s.EndedAt = &expiry
		s.EndReason = model.EndExpired
		next = withEntry(next, s.ID, s)
		ended = append(ended, s)
	}
	if len(ended) == 0 {
		return nil, nil
	}
	if err := w.commitSessions(next, "end expired sessions"); err != nil {
		return nil, err
	}
	SortSessions(ended)
	return ended, nil
}

func (w *Worker) purgeSessions(before time.Time) (int, error) {
	next := make(map[string]model.UnlockSession, len(w.state.sessions))
	for id, s := range w.state.sessions {
		if s.EndedAt != nil && s.EndedAt.Before(before) {
			continue
		}
		next[id] = s
	}
	removed := len(w.state.sessions) - len(next)
	if removed == 0 {
		return 0, nil
	}
	if err := w.commitSessions(next, "purge sessions"); err != nil {
		return 0, err
	}
	return removed, nil
}

func (w *Worker) commitSessions(next map[string]model.UnlockSession, op string) error {
	if err := w.saveJSON(sessionsFile, next); err != nil {
		return heikeErrors.StorageFailure(op, err)
	}
	w.mu.Lock()
	w.state.sessions = next
	w.mu.Unlock()
	return nil
}

// Store API: writes

func (w *Worker) AppendTransaction(ctx context.Context, tx model.Transaction, enforceFloor bool) (AppendResult, error) {
	resp, err := w.submit(ctx, OpAppendTransaction, AppendPayload{Tx: tx, EnforceFloor: enforceFloor})
	if err != nil {
		return AppendResult{}, err
	}
	return resp.(AppendResult), nil
}

func (w *Worker) PurgeTransactions(ctx context.Context, before time.Time) (int, error) {
	resp, err := w.submit(ctx, OpPurgeTransactions, before)
	if err != nil {
		return 0, err
	}
	return resp.(int), nil
}

func (w *Worker) PutHabit(ctx context.Context, def model.HabitDefinition) error {
	_, err := w.submit(ctx, OpPutHabit, def)
	return err
}

func (w *Worker) PutProgress(ctx context.Context, p model.HabitProgress) error {
	_, err := w.submit(ctx, OpPutProgress, p)
	return err
}

func (w *Worker) PutStreak(ctx context.Context, s model.Streak) error {
	_, err := w.submit(ctx, OpPutStreak, s)
	return err
}

func (w *Worker) PutRule(ctx context.Context, rule model.AppRule) error {
	_, err := w.submit(ctx, OpPutRule, rule)
	return err
}

func (w *Worker) DeleteRule(ctx context.Context, packageID string) error {
	_, err := w.submit(ctx, OpDeleteRule, packageID)
	return err
}

func (w *Worker) PutSession(ctx context.Context, s model.UnlockSession) error {
	_, err := w.submit(ctx, OpPutSession, s)
	return err
}

func (w *Worker) EndSession(ctx context.Context, id string, at time.Time, reason model.SessionEndReason) (model.UnlockSession, error) {
	resp, err := w.submit(ctx, OpEndSession, EndSessionPayload{ID: id, At: at, Reason: reason})
	if err != nil {
		return model.UnlockSession{}, err
	}
	return resp.(model.UnlockSession), nil
}

func (w *Worker) EndExpiredSessions(ctx context.Context, at time.Time) ([]model.UnlockSession, error) {
	resp, err := w.submit(ctx, OpEndExpiredSessions, at)
	if err != nil {
		return nil, err
	}
	return resp.([]model.UnlockSession), nil
}

func (w *Worker) PurgeSessions(ctx context.Context, before time.Time) (int, error) {
	resp, err := w.submit(ctx, OpPurgeSessions, before)
	if err != nil {
		return 0, err
	}
	return resp.(int), nil
}

// Store API: reads

func (w *Worker) TransactionByKey(ctx context.Context, key string) (model.Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Transaction{}, false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	i, ok := w.state.byKey[key]
	if !ok {
		return model.Transaction{}, false, nil
	}
	return cloneTx(w.state.txs[i]), true, nil
}

func (w *Worker) ListTransactions(ctx context.Context, filter TxFilter) ([]model.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.Transaction, 0)
	for i := len(w.state.txs) - 1; i >= 0; i-- {
		tx := w.state.txs[i]
		if !filter.Match(tx) {
			continue
		}
		out = append(out, cloneTx(tx))
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (w *Worker) Balance(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state.balance, nil
}

func (w *Worker) LedgerTotals(ctx context.Context, since, until time.Time) (Totals, error) {
	if err := ctx.Err(); err != nil {
		return Totals{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	totals := Totals{ByHabit: make(map[string]int64)}
	for _, tx := range w.state.txs {
		if !inWindow(tx.Timestamp, since, until) {
			continue
		}
		addToTotals(&totals, tx)
	}
	return totals, nil
}

func addToTotals(t *Totals, tx model.Transaction) {
	t.Count++
	switch {
	case tx.Delta > 0:
		t.Earned += tx.Delta
		if tx.HabitID != "" {
			t.ByHabit[tx.HabitID] += tx.Delta
		}
	case tx.Delta < 0:
		t.Spent -= tx.Delta
	}
}

func (w *Worker) ListHabits(ctx context.Context) ([]model.HabitDefinition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]model.HabitDefinition, 0, len(w.state.habits))
	for _, def := range w.state.habits {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (w *Worker) GetHabit(ctx context.Context, id string) (model.HabitDefinition, error) {
	if err := ctx.Err(); err != nil {
		return model.HabitDefinition{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	def, ok := w.state.habits[id]
	if !ok {
		return model.HabitDefinition{}, heikeErrors.NotFound(fmt.Sprintf("habit %q not found", id))
	}
	return def, nil
}

func (w *Worker) GetProgress(ctx context.Context, habitID string, day model.Day) (model.HabitProgress, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.HabitProgress{}, false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	p, ok := w.state.progress[model.ProgressKey(habitID, day)]
	return p, ok, nil
}

func (w *Worker) ListProgress(ctx context.Context, filter ProgressFilter) ([]model.HabitProgress, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	out := make([]model.HabitProgress, 0)
	for _, p := range w.state.progress {
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	w.mu.RUnlock()

	SortProgress(out)
	return out, nil
}

func (w *Worker) GetStreak(ctx context.Context, habitID string) (model.Streak, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Streak{}, false, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.state.streaks[habitID]
	return s, ok, nil
}

func (w *Worker) ListStreaks(ctx context.Context) ([]model.Streak, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	out := make([]model.Streak, 0, len(w.state.streaks))
	for _, s := range w.state.streaks {
		out = append(out, s)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].HabitID < out[j].HabitID })
	return out, nil
}

func (w *Worker) GetRule(ctx context.Context, packageID string) (model.AppRule, error) {
	if err := ctx.Err(); err != nil {
		return model.AppRule{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.state.rules[packageID]
	if !ok {
		return model.AppRule{}, heikeErrors.NotFound(fmt.Sprintf("app rule %q not found", packageID))
	}
	return r, nil
}

func (w *Worker) ListRules(ctx context.Context) ([]model.AppRule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	out := make([]model.AppRule, 0, len(w.state.rules))
	for _, r := range w.state.rules {
		out = append(out, r)
	}
	w.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PackageID < out[j].PackageID })
	return out, nil
}

func (w *Worker) GetSession(ctx context.Context, id string) (model.UnlockSession, error) {
	if err := ctx.Err(); err != nil {
		return model.UnlockSession{}, err
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	s, ok := w.state.sessions[id]
	if !ok {
		return model.UnlockSession{}, heikeErrors.NotFound(fmt.Sprintf("unlock session %q not found", id))
	}
	return s, nil
}

func (w *Worker) SessionByKey(ctx context.Context, key string) (model.UnlockSession, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.UnlockSession{}, false, err
	}
	if key == "" {
		return model.UnlockSession{}, false, nil
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	for _, s := range w.state.sessions {
		if s.IdempotencyKey == key {
			return s, true, nil
		}
	}
	return model.UnlockSession{}, false, nil
}

func (w *Worker) ListSessions(ctx context.Context, filter SessionFilter) ([]model.UnlockSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.RLock()
	out := make([]model.UnlockSession, 0)
	for _, s := range w.state.sessions {
		if filter.Match(s) {
			out = append(out, s)
		}
	}
	w.mu.RUnlock()

	SortSessions(out)
	return out, nil
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		slog.Info("StoreWorker Stop called", "workspace", w.workspaceID, "lock_held", w.fileLock.IsLocked())

		close(w.quit)
		w.wg.Wait()

		if w.fileLock.IsLocked() {
			w.fileLock.Unlock()
		}
	})
}

func (w *Worker) Close() error {
	w.Stop()
	return nil
}

func (w *Worker) IsLockHeld() bool {
	return w.fileLock.IsLocked()
}

func (w *Worker) IsRunning() bool {
	return w.fileLock.IsLocked() && w.running.Load()
}

func withEntry[T any](m map[string]T, key string, v T) map[string]T {
	next := make(map[string]T, len(m)+1)
	for k, x := range m {
		next[k] = x
	}
	next[key] = v
	return next
}

func withoutEntry[T any](m map[string]T, key string) map[string]T {
	next := make(map[string]T, len(m))
	for k, x := range m {
		if k != key {
			next[k] = x
		}
	}
	return next
}

func cloneTx(tx model.Transaction) model.Transaction {
	if tx.Metadata != nil {
		meta := make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			meta[k] = v
		}
		tx.Metadata = meta
	}
	return tx
}

var _ Store = (*Worker)(nil)
