package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/ruralpay/ledger/internal/models"
)

const topupReferenceConstraint = "topups_user_id_topup_no_key"

// classify maps driver failures onto ledger error kinds by SQLSTATE. Both
// lib/pq and pgx errors are understood so either driver can back the store.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var ledgerErr *models.Error
	if errors.As(err, &ledgerErr) {
		return err
	}

	code, constraint := sqlState(err)
	switch code {
	case "55P03":
		return models.NewError(models.KindBusy, "account row is locked", err)
	case "40001", "40P01":
		return models.NewError(models.KindVersionConflict, "transaction conflict", err)
	case "23505":
		if constraint == topupReferenceConstraint {
			return models.NewError(models.KindDuplicateReference, "reference number already used", err)
		}
		return models.NewError(models.KindVersionConflict, "account was created concurrently", err)
	case "23503":
		return models.NewError(models.KindUnknownAccount, "account not found", err)
	}

	return models.NewError(models.KindStorage, op, err)
}

func sqlState(err error) (code, constraint string) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code), pqErr.Constraint
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}
