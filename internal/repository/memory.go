package repository

import (
	"bytes"
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"peer-transfers/internal/domain"
	"peer-transfers/internal/errors"
)

// Fault injection stages reported to a FaultHook.
const (
	StageCompareAndSwap = "compare_and_swap"
	StageInsertTransfer = "insert_transfer"
	StageCommit         = "commit"
)

// idempotencyScope identifies a key within one sender's namespace.
type idempotencyScope struct {
	sender uuid.UUID
	key    string
}

// FaultHook lets tests fail a write at a given stage. A non-nil return
// aborts the operation with that error.
type FaultHook func(stage string) error

type memoryState struct {
	mu        sync.RWMutex
	accounts  map[uuid.UUID]domain.Account
	transfers map[uuid.UUID]domain.TransferRecord
	byKey     map[idempotencyScope]uuid.UUID
	byAccount map[uuid.UUID][]uuid.UUID

	locks *lockTable

	faultMu sync.Mutex
	fault   FaultHook
}

// memoryTx is the staged write-set of one transaction. Nothing reaches
// memoryState until commit applies it under a single write lock.
type memoryTx struct {
	lockTimeout time.Duration
	held        []uuid.UUID
	heldSet     map[uuid.UUID]bool
	balances    map[uuid.UUID]int64
	casBase     map[uuid.UUID]int64
	inserts     []domain.TransferRecord
}

// MemoryStore is an in-process domain.Store. Accounts are locked
// individually, so transfers over disjoint accounts never contend.
type MemoryStore struct {
	state  *memoryState
	tx     *memoryTx
	logger *slog.Logger
}

var _ domain.Store = (*MemoryStore)(nil)

func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			accounts:  make(map[uuid.UUID]domain.Account),
			transfers: make(map[uuid.UUID]domain.TransferRecord),
			byKey:     make(map[idempotencyScope]uuid.UUID),
			byAccount: make(map[uuid.UUID][]uuid.UUID),
			locks:     newLockTable(),
		},
		logger: logger,
	}
}

// SetFaultHook installs hook for subsequent writes; nil removes it.
func (s *MemoryStore) SetFaultHook(hook FaultHook) {
	s.state.faultMu.Lock()
	defer s.state.faultMu.Unlock()
	s.state.fault = hook
}

func (s *MemoryStore) injectFault(stage string) error {
	s.state.faultMu.Lock()
	hook := s.state.fault
	s.state.faultMu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(stage); err != nil {
		return errors.Storage(stage, err)
	}
	return nil
}

func (s *MemoryStore) Accounts() domain.AccountRepository {
	return &memoryAccounts{store: s}
}

func (s *MemoryStore) Transfers() domain.TransferRepository {
	return &memoryTransfers{store: s}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) WithTransaction(ctx context.Context, opts domain.TxOptions, fn func(domain.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx := &memoryTx{
		lockTimeout: opts.LockTimeout,
		heldSet:     make(map[uuid.UUID]bool),
		balances:    make(map[uuid.UUID]int64),
		casBase:     make(map[uuid.UUID]int64),
	}
	defer func() {
		for i := len(tx.held) - 1; i >= 0; i-- {
			s.state.locks.release(tx.held[i])
		}
	}()

	txStore := &MemoryStore{state: s.state, tx: tx, logger: s.logger}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := s.injectFault(StageCommit); err != nil {
		s.logger.Error("Failed to commit transaction", "error", err)
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()

	// Validate the whole write-set before applying any of it.
	for id, base := range tx.casBase {
		account, ok := st.accounts[id]
		if !ok {
			return errors.ErrAccountNotFound
		}
		if account.Balance != base {
			return errors.ErrBusy.WithDetails("balance of " + id.String() + " changed before commit")
		}
	}
	for _, t := range tx.inserts {
		if t.IdempotencyKey == nil {
			continue
		}
		if _, exists := st.byKey[scopeOf(&t)]; exists {
			return domain.ErrDuplicateIdempotencyKey
		}
	}

	now := time.Now().UTC()
	for id, balance := range tx.balances {
		account := st.accounts[id]
		account.Balance = balance
		account.UpdatedAt = now
		st.accounts[id] = account
	}
	for _, t := range tx.inserts {
		st.insertLocked(t)
	}
	return nil
}

func (st *memoryState) insertLocked(t domain.TransferRecord) {
	st.transfers[t.ID] = t
	if t.IdempotencyKey != nil {
		st.byKey[scopeOf(&t)] = t.ID
	}
	st.byAccount[t.SenderID] = append(st.byAccount[t.SenderID], t.ID)
	st.byAccount[t.ReceiverID] = append(st.byAccount[t.ReceiverID], t.ID)
}

type memoryAccounts struct {
	store *MemoryStore
}

func (r *memoryAccounts) CreateAccount(ctx context.Context, account *domain.Account) error {
	st := r.store.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, exists := st.accounts[account.ID]; exists {
		r.store.logger.Warn("Duplicate account creation attempt", "account_id", account.ID)
		return errors.ErrDuplicateAccount
	}
	if account.Balance < 0 {
		return errors.ErrInvalidAmount
	}

	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	st.accounts[account.ID] = *account

	r.store.logger.Info("Account created successfully", "account_id", account.ID)
	return nil
}

func (r *memoryAccounts) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	st := r.store.state
	st.mu.RLock()
	account, ok := st.accounts[id]
	st.mu.RUnlock()

	if !ok {
		return nil, errors.ErrAccountNotFound
	}
	if tx := r.store.tx; tx != nil {
		if staged, ok := tx.balances[id]; ok {
			account.Balance = staged
		}
	}
	return &account, nil
}

func (r *memoryAccounts) GetAccountsForUpdate(ctx context.Context, ids ...uuid.UUID) (map[uuid.UUID]*domain.Account, error) {
	tx := r.store.tx
	if tx == nil {
		return nil, errors.NewAppError(errors.StorageFailure, "row locks require a transaction")
	}

	accounts := make(map[uuid.UUID]*domain.Account, len(ids))
	for _, id := range ids {
		if !tx.heldSet[id] {
			if err := r.acquire(ctx, tx, id); err != nil {
				return nil, err
			}
		}
		account, err := r.GetAccount(ctx, id)
		if err != nil {
			if err == errors.ErrAccountNotFound {
				continue
			}
			return nil, err
		}
		accounts[id] = account
	}
	return accounts, nil
}

func (r *memoryAccounts) acquire(ctx context.Context, tx *memoryTx, id uuid.UUID) error {
	lockCtx := ctx
	if tx.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, tx.lockTimeout)
		defer cancel()
	}
	if err := r.store.state.locks.acquire(lockCtx, id); err != nil {
		r.store.logger.Warn("Account lock acquisition timed out", "account_id", id)
		return err
	}
	tx.held = append(tx.held, id)
	tx.heldSet[id] = true
	return nil
}

func (r *memoryAccounts) CompareAndSwapBalance(ctx context.Context, id uuid.UUID, expected, newBalance int64) (bool, error) {
	if err := r.store.injectFault(StageCompareAndSwap); err != nil {
		return false, err
	}
	if newBalance < 0 {
		return false, errors.NewAppError(errors.StorageFailure, "balance cannot become negative")
	}

	tx := r.store.tx
	if tx == nil {
		st := r.store.state
		st.mu.Lock()
		defer st.mu.Unlock()

		account, ok := st.accounts[id]
		if !ok {
			return false, errors.ErrAccountNotFound
		}
		if account.Balance != expected {
			return false, nil
		}
		account.Balance = newBalance
		account.UpdatedAt = time.Now().UTC()
		st.accounts[id] = account
		return true, nil
	}

	current, err := r.GetAccount(ctx, id)
	if err != nil {
		return false, err
	}
	if current.Balance != expected {
		return false, nil
	}
	if _, seen := tx.casBase[id]; !seen {
		tx.casBase[id] = expected
	}
	tx.balances[id] = newBalance
	return true, nil
}

type memoryTransfers struct {
	store *MemoryStore
}

func (r *memoryTransfers) InsertTransfer(ctx context.Context, t *domain.TransferRecord) error {
	if err := r.store.injectFault(StageInsertTransfer); err != nil {
		return err
	}

	existing, err := r.GetTransferByIdempotencyKey(ctx, t.SenderID, keyOf(t))
	if err != nil {
		return err
	}
	if existing != nil {
		r.store.logger.Warn("Duplicate idempotency key", "idempotency_key", *t.IdempotencyKey)
		return domain.ErrDuplicateIdempotencyKey
	}

	record := *t
	if tx := r.store.tx; tx != nil {
		tx.inserts = append(tx.inserts, record)
		return nil
	}

	st := r.store.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if t.IdempotencyKey != nil {
		if _, exists := st.byKey[scopeOf(t)]; exists {
			return domain.ErrDuplicateIdempotencyKey
		}
	}
	st.insertLocked(record)
	return nil
}

func keyOf(t *domain.TransferRecord) string {
	if t.IdempotencyKey == nil {
		return ""
	}
	return *t.IdempotencyKey
}

func scopeOf(t *domain.TransferRecord) idempotencyScope {
	return idempotencyScope{sender: t.SenderID, key: keyOf(t)}
}

func (r *memoryTransfers) GetTransferByID(ctx context.Context, id uuid.UUID) (*domain.TransferRecord, error) {
	if tx := r.store.tx; tx != nil {
		for i := range tx.inserts {
			if tx.inserts[i].ID == id {
				t := tx.inserts[i]
				return &t, nil
			}
		}
	}

	st := r.store.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	t, ok := st.transfers[id]
	if !ok {
		return nil, errors.ErrTransferNotFound
	}
	return &t, nil
}

func (r *memoryTransfers) GetTransferByIdempotencyKey(ctx context.Context, senderID uuid.UUID, key string) (*domain.TransferRecord, error) {
	if key == "" {
		return nil, nil
	}
	if tx := r.store.tx; tx != nil {
		for i := range tx.inserts {
			if tx.inserts[i].SenderID == senderID && keyOf(&tx.inserts[i]) == key {
				t := tx.inserts[i]
				return &t, nil
			}
		}
	}

	st := r.store.state
	st.mu.RLock()
	defer st.mu.RUnlock()

	id, ok := st.byKey[idempotencyScope{sender: senderID, key: key}]
	if !ok {
		return nil, nil
	}
	t := st.transfers[id]
	return &t, nil
}

func (r *memoryTransfers) ListTransfersByAccount(ctx context.Context, accountID uuid.UUID, after domain.HistoryCursor, limit int) ([]domain.TransferRecord, error) {
	st := r.store.state
	st.mu.RLock()
	ids := st.byAccount[accountID]
	matches := make([]domain.TransferRecord, 0, len(ids))
	for _, id := range ids {
		t := st.transfers[id]
		if !t.Status.IsTerminal() {
			continue
		}
		if !after.IsZero() && !olderThan(t, after) {
			continue
		}
		matches = append(matches, t)
	}
	st.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) > 0
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func olderThan(t domain.TransferRecord, c domain.HistoryCursor) bool {
	if !t.CreatedAt.Equal(c.CreatedAt) {
		return t.CreatedAt.Before(c.CreatedAt)
	}
	return bytes.Compare(t.ID[:], c.ID[:]) < 0
}
