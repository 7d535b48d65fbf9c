// Package postgres is the pgx-backed exchangedb.Store: sessions wrap a
// pooled connection and its open transaction, and every SQL error is
// classified into exchangedb.Status at a single point (classifyErr)
// so the rest of the package never inspects a *pgconn.PgError itself.
package postgres

import (
	"errors"

	goerrors "github.com/go-errors/errors"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"

	"github.com/go-taler/exchanged/exchangedb"
)

// classifyErr maps a pgx/pgconn error into the core's four-way
// Status taxonomy: serialization failures and deadlocks are SOFT and
// must drive a retry of the whole transaction closure; pgx.ErrNoRows
// is NO_RESULTS; anything else is HARD.
func classifyErr(err error) exchangedb.Status {
	if err == nil {
		return exchangedb.StatusOneResult
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return exchangedb.StatusNoResults
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return exchangedb.StatusSoftError
		case pgerrcode.UniqueViolation:
			// A concurrent insert of the same envelope hash lost the
			// race; treat it as a retryable conflict rather than
			// silent data loss (exchangedb.Store.InsertWithdrawInfo's
			// doc comment).
			return exchangedb.StatusSoftError
		}
	}
	// Hard errors are bugs or infrastructure failures; log them with
	// the stack that classified them, since the Status that propagates
	// out carries no error detail of its own.
	log.Errorf("postgres: hard error: %v\n%s",
		err, goerrors.Wrap(err, 1).ErrorStack())
	return exchangedb.StatusHardError
}
