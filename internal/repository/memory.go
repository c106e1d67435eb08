package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

type topupKey struct {
	userID  int64
	topupNo string
}

// MemoryRepository keeps account state in an arena keyed by user id.
// Transactions never block: writes are staged and applied at commit with a
// compare-and-swap on every touched account's version, so two transactions
// racing on one account cannot both commit.
type MemoryRepository struct {
	mu        sync.RWMutex
	accounts  map[int64]*models.Account
	topups    []models.TopupRecord
	withdraws []models.WithdrawRecord
	transfers []models.TransferRecord
	topupRefs map[topupKey]int64
	now       func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts:  make(map[int64]*models.Account),
		topupRefs: make(map[topupKey]int64),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRepository) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[userID]
	if !ok || account.DeletedAt != nil {
		return nil, models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", userID), nil)
	}
	clone := *account
	return &clone, nil
}

func (r *MemoryRepository) OpenAccount(ctx context.Context, userID int64) (*models.Account, error) {
	r.mu.Lock()
	if _, ok := r.accounts[userID]; !ok {
		now := r.now()
		r.accounts[userID] = &models.Account{
			UserID:    userID,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	r.mu.Unlock()

	return r.GetAccount(ctx, userID)
}

func (r *MemoryRepository) TopupExists(ctx context.Context, userID int64, topupNo string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.topupRefs[topupKey{userID, topupNo}]
	return ok, nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{repo: r}
	if err := fn(tx); err != nil {
		return err
	}
	return r.commit(tx)
}

type memoryTx struct {
	repo    *MemoryRepository
	updates []models.BalanceUpdate
	records []models.Record
}

func (t *memoryTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*models.Account, error) {
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()

	accounts := make(map[int64]*models.Account, len(userIDs))
	for _, userID := range models.CanonicalOrder(userIDs) {
		account, ok := t.repo.accounts[userID]
		if !ok || account.DeletedAt != nil {
			continue
		}
		clone := *account
		accounts[userID] = &clone
	}
	return accounts, nil
}

func (t *memoryTx) TopupExists(ctx context.Context, userID int64, topupNo string) (bool, error) {
	for _, rec := range t.records {
		if topup, ok := rec.(*models.TopupRecord); ok && topup.UserID == userID && topup.TopupNo == topupNo {
			return true, nil
		}
	}
	return t.repo.TopupExists(ctx, userID, topupNo)
}

func (t *memoryTx) UpsertBalance(ctx context.Context, update models.BalanceUpdate) error {
	if update.NewBalance < 0 {
		return models.NewError(models.KindStorage, fmt.Sprintf("negative balance for account %d", update.UserID), nil)
	}
	t.updates = append(t.updates, update)
	return nil
}

func (t *memoryTx) AppendHistory(ctx context.Context, rec models.Record) error {
	switch rec.(type) {
	case *models.TopupRecord, *models.WithdrawRecord, *models.TransferRecord:
	default:
		return fmt.Errorf("unsupported history record %T", rec)
	}
	t.records = append(t.records, rec)
	return nil
}

// commit validates every staged write against the current state and then
// applies all of them, or none.
func (r *MemoryRepository) commit(tx *memoryTx) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	touched := make(map[int64]bool, len(tx.updates))
	for _, u := range tx.updates {
		current, exists := r.accounts[u.UserID]
		switch {
		case touched[u.UserID]:
			return models.NewError(models.KindVersionConflict, fmt.Sprintf("account %d updated twice in one transaction", u.UserID), nil)
		case u.Version == 0 && exists && current.DeletedAt != nil:
			return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d is closed", u.UserID), nil)
		case u.Version == 0 && exists:
			return models.NewError(models.KindVersionConflict, fmt.Sprintf("account %d was created concurrently", u.UserID), nil)
		case u.Version != 0 && (!exists || current.Version != u.Version):
			return models.NewError(models.KindVersionConflict, fmt.Sprintf("optimistic lock failed for account %d", u.UserID), nil)
		}
		touched[u.UserID] = true
	}

	refs := make(map[topupKey]bool)
	for _, rec := range tx.records {
		switch rec := rec.(type) {
		case *models.TopupRecord:
			key := topupKey{rec.UserID, rec.TopupNo}
			if _, dup := r.topupRefs[key]; dup || refs[key] {
				return models.NewError(models.KindDuplicateReference, "reference number already used", nil)
			}
			refs[key] = true
			if !r.accountExists(rec.UserID, touched) {
				return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", rec.UserID), nil)
			}
		case *models.WithdrawRecord:
			if !r.accountExists(rec.UserID, touched) {
				return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", rec.UserID), nil)
			}
		case *models.TransferRecord:
			if !r.accountExists(rec.TransferFrom, touched) || !r.accountExists(rec.TransferTo, touched) {
				return models.NewError(models.KindUnknownAccount, "transfer references an unknown account", nil)
			}
		}
	}

	now := r.now()
	for _, u := range tx.updates {
		account, exists := r.accounts[u.UserID]
		if !exists {
			account = &models.Account{UserID: u.UserID, CreatedAt: u.At}
			r.accounts[u.UserID] = account
		}
		account.TotalBalance = u.NewBalance
		account.Version++
		account.UpdatedAt = u.At
		if u.Withdraw != nil {
			amount, at := u.Withdraw.Amount, u.Withdraw.Time
			account.LastWithdrawAmount = &amount
			account.LastWithdrawTime = &at
		}
	}

	for _, rec := range tx.records {
		switch rec := rec.(type) {
		case *models.TopupRecord:
			rec.ID = int64(len(r.topups) + 1)
			rec.CreatedAt, rec.UpdatedAt = now, now
			r.topups = append(r.topups, *rec)
			r.topupRefs[topupKey{rec.UserID, rec.TopupNo}] = rec.ID
		case *models.WithdrawRecord:
			rec.ID = int64(len(r.withdraws) + 1)
			rec.CreatedAt, rec.UpdatedAt = now, now
			r.withdraws = append(r.withdraws, *rec)
		case *models.TransferRecord:
			rec.ID = int64(len(r.transfers) + 1)
			rec.CreatedAt, rec.UpdatedAt = now, now
			r.transfers = append(r.transfers, *rec)
		}
	}
	return nil
}

func (r *MemoryRepository) accountExists(userID int64, touched map[int64]bool) bool {
	if touched[userID] {
		return true
	}
	account, ok := r.accounts[userID]
	return ok && account.DeletedAt == nil
}

func (r *MemoryRepository) GetTopup(ctx context.Context, id int64) (*models.TopupRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 1 || id > int64(len(r.topups)) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("topup %d not found", id), nil)
	}
	rec := r.topups[id-1]
	return &rec, nil
}

func (r *MemoryRepository) GetWithdraw(ctx context.Context, id int64) (*models.WithdrawRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 1 || id > int64(len(r.withdraws)) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("withdraw %d not found", id), nil)
	}
	rec := r.withdraws[id-1]
	return &rec, nil
}

func (r *MemoryRepository) GetTransfer(ctx context.Context, id int64) (*models.TransferRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id < 1 || id > int64(len(r.transfers)) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("transfer %d not found", id), nil)
	}
	rec := r.transfers[id-1]
	return &rec, nil
}

// entries snapshots the whole history. Callers hold r.mu.
func (r *MemoryRepository) entries() []models.HistoryEntry {
	out := make([]models.HistoryEntry, 0, len(r.topups)+len(r.withdraws)+len(r.transfers))
	for i := range r.topups {
		out = append(out, r.topups[i].Entry())
	}
	for i := range r.withdraws {
		out = append(out, r.withdraws[i].Entry())
	}
	for i := range r.transfers {
		out = append(out, r.transfers[i].Entry())
	}
	return out
}

func (r *MemoryRepository) ListHistory(ctx context.Context, f models.HistoryFilter) (*models.HistoryPage, error) {
	f = f.Normalize(models.MaxPageSize)

	var cursor *models.Cursor
	if f.Cursor != "" {
		c, err := models.DecodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		cursor = &c
	}

	r.mu.RLock()
	all := r.entries()
	r.mu.RUnlock()

	var matched []models.HistoryEntry
	for _, e := range all {
		if f.Matches(e) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Before(matched[j]) })
	total := int64(len(matched))

	window := matched
	if cursor != nil {
		start := sort.Search(len(matched), func(i int) bool { return cursor.Follows(matched[i]) })
		window = matched[start:]
	} else if offset := f.Offset(); offset < len(matched) {
		window = matched[offset:]
	} else {
		window = nil
	}
	if len(window) > f.PageSize+1 {
		window = window[:f.PageSize+1]
	}

	return buildPage(f, window, total), nil
}

func (r *MemoryRepository) AccountHistory(ctx context.Context, userID int64) ([]models.HistoryEntry, error) {
	r.mu.RLock()
	all := r.entries()
	r.mu.RUnlock()

	return accountEntries(all, userID), nil
}

func (r *MemoryRepository) AccountSnapshot(ctx context.Context, userID int64) (*models.Account, []models.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	account, ok := r.accounts[userID]
	if !ok || account.DeletedAt != nil {
		return nil, nil, models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", userID), nil)
	}
	clone := *account
	return &clone, accountEntries(r.entries(), userID), nil
}

// accountEntries keeps the entries touching userID, oldest first.
func accountEntries(all []models.HistoryEntry, userID int64) []models.HistoryEntry {
	var out []models.HistoryEntry
	for _, e := range all {
		if e.Involves(userID) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Kind < b.Kind
	})
	return out
}

func (r *MemoryRepository) ListAccounts(ctx context.Context, afterUserID int64, limit int) ([]models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.Account
	for id, account := range r.accounts {
		if id > afterUserID && account.DeletedAt == nil {
			out = append(out, *account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Totals(ctx context.Context) (*models.Totals, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totals := &models.Totals{Accounts: int64(len(r.accounts))}
	for _, account := range r.accounts {
		totals.Balances += account.TotalBalance
	}
	for _, rec := range r.topups {
		totals.Topups += rec.Amount
	}
	for _, rec := range r.withdraws {
		totals.Withdraws += rec.Amount
	}
	return totals, nil
}
