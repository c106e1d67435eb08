package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ruralpay/ledger/internal/models"
)

const accountColumns = "user_id, total_balance, withdraw_amount, withdraw_time, version, created_at, updated_at"

// historyUnion projects the three history tables onto one shape.
const historyUnion = `SELECT 'topup' AS kind, topup_id AS id, user_id, NULL::BIGINT AS counterparty_id, topup_amount AS amount, topup_no AS reference, topup_method AS method, topup_time AS occurred_at FROM topups
	UNION ALL
	SELECT 'withdraw', withdraw_id, user_id, NULL::BIGINT, withdraw_amount, '', '', withdraw_time FROM withdraws
	UNION ALL
	SELECT 'transfer', transfer_id, transfer_from, transfer_to, transfer_amount, '', '', transfer_time FROM transfers`

const historyColumns = "h.kind, h.id, h.user_id, h.counterparty_id, h.amount, h.reference, h.method, h.occurred_at"

type PostgresRepository struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresRepository builds the store on db. lockTimeout bounds how long
// a transaction waits for a row lock before failing with busy.
func NewPostgresRepository(db *sql.DB, lockTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{
		db:          db,
		lockTimeout: lockTimeout,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		account        models.Account
		withdrawAmount sql.NullInt64
		withdrawTime   sql.NullTime
	)
	err := row.Scan(
		&account.UserID,
		&account.TotalBalance,
		&withdrawAmount,
		&withdrawTime,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if withdrawAmount.Valid {
		amount := withdrawAmount.Int64
		account.LastWithdrawAmount = &amount
	}
	if withdrawTime.Valid {
		at := withdrawTime.Time
		account.LastWithdrawTime = &at
	}
	return &account, nil
}

func (r *PostgresRepository) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	return getAccount(ctx, r.db, userID)
}

func getAccount(ctx context.Context, q queryRower, userID int64) (*models.Account, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND deleted_at IS NULL`, userID)

	account, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d not found", userID), nil)
	}
	if err != nil {
		return nil, classify("failed to get account", err)
	}
	return account, nil
}

func (r *PostgresRepository) OpenAccount(ctx context.Context, userID int64) (*models.Account, error) {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, total_balance, version, created_at, updated_at)
		VALUES ($1, 0, 1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, userID, now)
	if err != nil {
		return nil, classify("failed to open account", err)
	}
	return r.GetAccount(ctx, userID)
}

func (r *PostgresRepository) TopupExists(ctx context.Context, userID int64, topupNo string) (bool, error) {
	return topupExists(ctx, r.db, userID, topupNo)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	queryRower
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func topupExists(ctx context.Context, q queryRower, userID int64, topupNo string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM topups WHERE user_id = $1 AND topup_no = $2)`,
		userID, topupNo).Scan(&exists)
	if err != nil {
		return false, classify("failed to check topup reference", err)
	}
	return exists, nil
}

func (r *PostgresRepository) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if r.lockTimeout > 0 {
		// SET does not take bind parameters.
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			return classify("failed to set lock timeout", err)
		}
	}

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("failed to commit transaction", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) LockAccounts(ctx context.Context, userIDs ...int64) (map[int64]*models.Account, error) {
	// Lock rows in a consistent order to prevent deadlocks
	accounts := make(map[int64]*models.Account, len(userIDs))
	for _, userID := range models.CanonicalOrder(userIDs) {
		row := t.tx.QueryRowContext(ctx, `
			SELECT `+accountColumns+`
			FROM accounts
			WHERE user_id = $1 AND deleted_at IS NULL
			FOR UPDATE`, userID)

		account, err := scanAccount(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, classify("failed to lock account", err)
		}
		accounts[userID] = account
	}
	return accounts, nil
}

func (t *postgresTx) TopupExists(ctx context.Context, userID int64, topupNo string) (bool, error) {
	return topupExists(ctx, t.tx, userID, topupNo)
}

func (t *postgresTx) UpsertBalance(ctx context.Context, u models.BalanceUpdate) error {
	var (
		withdrawAmount sql.NullInt64
		withdrawTime   sql.NullTime
	)
	if u.Withdraw != nil {
		withdrawAmount = sql.NullInt64{Int64: u.Withdraw.Amount, Valid: true}
		withdrawTime = sql.NullTime{Time: u.Withdraw.Time, Valid: true}
	}

	var (
		result sql.Result
		err    error
	)
	if u.Version == 0 {
		result, err = t.tx.ExecContext(ctx, `
			INSERT INTO accounts (user_id, total_balance, withdraw_amount, withdraw_time, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $5)
			ON CONFLICT (user_id) DO NOTHING`,
			u.UserID, u.NewBalance, withdrawAmount, withdrawTime, u.At)
	} else {
		result, err = t.tx.ExecContext(ctx, `
			UPDATE accounts
			SET total_balance = $1, withdraw_amount = COALESCE($2, withdraw_amount), withdraw_time = COALESCE($3, withdraw_time), version = version + 1, updated_at = $4
			WHERE user_id = $5 AND version = $6`,
			u.NewBalance, withdrawAmount, withdrawTime, u.At, u.UserID, u.Version)
	}
	if err != nil {
		return classify("failed to update balance", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify("failed to update balance", err)
	}
	if rowsAffected == 0 && u.Version == 0 {
		return t.insertConflict(ctx, u.UserID)
	}
	if rowsAffected == 0 {
		return models.NewError(models.KindVersionConflict, fmt.Sprintf("optimistic lock failed for account %d", u.UserID), nil)
	}
	return nil
}

// insertConflict explains why an account insert hit an existing row. A
// closed account is permanent, a concurrently created one is retryable.
func (t *postgresTx) insertConflict(ctx context.Context, userID int64) error {
	var closed bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT deleted_at IS NOT NULL FROM accounts WHERE user_id = $1`, userID).Scan(&closed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return classify("failed to inspect account", err)
	}
	if closed {
		return models.NewError(models.KindUnknownAccount, fmt.Sprintf("account %d is closed", userID), nil)
	}
	return models.NewError(models.KindVersionConflict, fmt.Sprintf("account %d was created concurrently", userID), nil)
}

func (t *postgresTx) AppendHistory(ctx context.Context, rec models.Record) error {
	var err error
	switch r := rec.(type) {
	case *models.TopupRecord:
		err = t.tx.QueryRowContext(ctx, `
			INSERT INTO topups (user_id, topup_no, topup_amount, topup_method, topup_time, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5, $5)
			RETURNING topup_id, created_at, updated_at`,
			r.UserID, r.TopupNo, r.Amount, r.Method, r.TopupTime).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	case *models.WithdrawRecord:
		err = t.tx.QueryRowContext(ctx, `
			INSERT INTO withdraws (user_id, withdraw_amount, withdraw_time, created_at, updated_at)
			VALUES ($1, $2, $3, $3, $3)
			RETURNING withdraw_id, created_at, updated_at`,
			r.UserID, r.Amount, r.WithdrawTime).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	case *models.TransferRecord:
		err = t.tx.QueryRowContext(ctx, `
			INSERT INTO transfers (transfer_from, transfer_to, transfer_amount, transfer_time, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4, $4)
			RETURNING transfer_id, created_at, updated_at`,
			r.TransferFrom, r.TransferTo, r.Amount, r.TransferTime).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	default:
		return fmt.Errorf("unsupported history record %T", rec)
	}
	if err != nil {
		return classify(fmt.Sprintf("failed to append %s record", rec.Kind()), err)
	}
	return nil
}

func (r *PostgresRepository) GetTopup(ctx context.Context, id int64) (*models.TopupRecord, error) {
	var rec models.TopupRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT topup_id, user_id, topup_no, topup_amount, topup_method, topup_time, created_at, updated_at
		FROM topups
		WHERE topup_id = $1`, id).Scan(
		&rec.ID, &rec.UserID, &rec.TopupNo, &rec.Amount, &rec.Method, &rec.TopupTime, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("topup %d not found", id), nil)
	}
	if err != nil {
		return nil, classify("failed to get topup", err)
	}
	return &rec, nil
}

func (r *PostgresRepository) GetWithdraw(ctx context.Context, id int64) (*models.WithdrawRecord, error) {
	var rec models.WithdrawRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT withdraw_id, user_id, withdraw_amount, withdraw_time, created_at, updated_at
		FROM withdraws
		WHERE withdraw_id = $1`, id).Scan(
		&rec.ID, &rec.UserID, &rec.Amount, &rec.WithdrawTime, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("withdraw %d not found", id), nil)
	}
	if err != nil {
		return nil, classify("failed to get withdraw", err)
	}
	return &rec, nil
}

func (r *PostgresRepository) GetTransfer(ctx context.Context, id int64) (*models.TransferRecord, error) {
	var rec models.TransferRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT transfer_id, transfer_from, transfer_to, transfer_amount, transfer_time, created_at, updated_at
		FROM transfers
		WHERE transfer_id = $1`, id).Scan(
		&rec.ID, &rec.TransferFrom, &rec.TransferTo, &rec.Amount, &rec.TransferTime, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NewError(models.KindNotFound, fmt.Sprintf("transfer %d not found", id), nil)
	}
	if err != nil {
		return nil, classify("failed to get transfer", err)
	}
	return &rec, nil
}

// historyQuery accumulates WHERE conditions and positional arguments.
type historyQuery struct {
	conds []string
	args  []any
}

func (q *historyQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *historyQuery) where() string {
	if len(q.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.conds, " AND ")
}

func newHistoryQuery(f models.HistoryFilter) *historyQuery {
	q := &historyQuery{}
	if f.UserID != nil {
		p := q.arg(*f.UserID)
		q.conds = append(q.conds, fmt.Sprintf("(h.user_id = %s OR h.counterparty_id = %s)", p, p))
	}
	if f.Kind != "" {
		q.conds = append(q.conds, "h.kind = "+q.arg(string(f.Kind)))
	}
	if f.Search != "" {
		cond := fmt.Sprintf("(h.kind = 'topup' AND h.reference LIKE %s)", q.arg(escapeLike(f.Search)+"%"))
		if id, ok := f.SearchID(); ok {
			cond = fmt.Sprintf("(%s OR h.id = %s)", cond, q.arg(id))
		}
		q.conds = append(q.conds, cond)
	}
	return q
}

func (q *historyQuery) after(c models.Cursor) {
	t, id, kind := q.arg(c.OccurredAt), q.arg(c.ID), q.arg(string(c.Kind))
	q.conds = append(q.conds, fmt.Sprintf(
		"(h.occurred_at < %s OR (h.occurred_at = %s AND (h.id > %s OR (h.id = %s AND h.kind > %s))))",
		t, t, id, id, kind))
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func scanHistory(rows *sql.Rows) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	for rows.Next() {
		var (
			e            models.HistoryEntry
			kind         string
			counterparty sql.NullInt64
		)
		if err := rows.Scan(&kind, &e.ID, &e.UserID, &counterparty, &e.Amount, &e.Reference, &e.Method, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = models.HistoryKind(kind)
		if counterparty.Valid {
			id := counterparty.Int64
			e.CounterpartyID = &id
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *PostgresRepository) ListHistory(ctx context.Context, f models.HistoryFilter) (*models.HistoryPage, error) {
	f = f.Normalize(models.MaxPageSize)

	countQuery := newHistoryQuery(f)
	var total int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ("+historyUnion+") h"+countQuery.where(),
		countQuery.args...).Scan(&total)
	if err != nil {
		return nil, classify("failed to count history", err)
	}

	q := newHistoryQuery(f)
	offset := f.Offset()
	if f.Cursor != "" {
		cursor, err := models.DecodeCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		q.after(cursor)
		offset = 0
	}
	limit := q.arg(f.PageSize + 1)
	off := q.arg(offset)

	rows, err := r.db.QueryContext(ctx,
		"SELECT "+historyColumns+" FROM ("+historyUnion+") h"+q.where()+
			" ORDER BY h.occurred_at DESC, h.id ASC, h.kind ASC LIMIT "+limit+" OFFSET "+off,
		q.args...)
	if err != nil {
		return nil, classify("failed to list history", err)
	}
	defer rows.Close()

	entries, err := scanHistory(rows)
	if err != nil {
		return nil, classify("failed to scan history", err)
	}

	return buildPage(f, entries, total), nil
}

// buildPage trims the look-ahead row and derives the next cursor.
func buildPage(f models.HistoryFilter, entries []models.HistoryEntry, total int64) *models.HistoryPage {
	page := &models.HistoryPage{
		Entries:    entries,
		Pagination: models.NewPagination(f, total),
	}
	if len(entries) > f.PageSize {
		page.Entries = entries[:f.PageSize]
		page.Pagination.NextCursor = models.CursorAfter(page.Entries[f.PageSize-1]).Encode()
	}
	if page.Entries == nil {
		page.Entries = []models.HistoryEntry{}
	}
	return page
}

func (r *PostgresRepository) AccountHistory(ctx context.Context, userID int64) ([]models.HistoryEntry, error) {
	return accountHistory(ctx, r.db, userID)
}

// AccountSnapshot reads the account row and its history in one read-only
// REPEATABLE READ transaction, so both come from the same snapshot no matter
// which process is writing.
func (r *PostgresRepository) AccountSnapshot(ctx context.Context, userID int64) (*models.Account, []models.HistoryEntry, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, classify("failed to begin snapshot", err)
	}
	defer tx.Rollback()

	account, err := getAccount(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := accountHistory(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, classify("failed to end snapshot", err)
	}
	return account, entries, nil
}

func accountHistory(ctx context.Context, q querier, userID int64) ([]models.HistoryEntry, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+historyColumns+" FROM ("+historyUnion+") h"+
			" WHERE h.user_id = $1 OR h.counterparty_id = $1"+
			" ORDER BY h.occurred_at ASC, h.id ASC, h.kind ASC",
		userID)
	if err != nil {
		return nil, classify("failed to load account history", err)
	}
	defer rows.Close()

	entries, err := scanHistory(rows)
	if err != nil {
		return nil, classify("failed to scan account history", err)
	}
	return entries, nil
}

func (r *PostgresRepository) ListAccounts(ctx context.Context, afterUserID int64, limit int) ([]models.Account, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id > $1 AND deleted_at IS NULL
		ORDER BY user_id ASC
		LIMIT $2`, afterUserID, limit)
	if err != nil {
		return nil, classify("failed to list accounts", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, classify("failed to scan account", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("failed to list accounts", err)
	}
	return accounts, nil
}

// Totals reads the money supply in one statement, hence one snapshot.
func (r *PostgresRepository) Totals(ctx context.Context) (*models.Totals, error) {
	var totals models.Totals
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COALESCE(SUM(total_balance), 0) FROM accounts),
			(SELECT COALESCE(SUM(topup_amount), 0) FROM topups),
			(SELECT COALESCE(SUM(withdraw_amount), 0) FROM withdraws),
			(SELECT COUNT(*) FROM accounts)`).Scan(
		&totals.Balances, &totals.Topups, &totals.Withdraws, &totals.Accounts,
	)
	if err != nil {
		return nil, classify("failed to read totals", err)
	}
	return &totals, nil
}
