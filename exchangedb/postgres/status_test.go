package postgres

import (
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/require"

	"github.com/go-taler/exchanged/exchangedb"
)

func TestClassifyErr(t *testing.T) {
	require.Equal(t, exchangedb.StatusOneResult, classifyErr(nil))
	require.Equal(t, exchangedb.StatusNoResults, classifyErr(pgx.ErrNoRows))

	serErr := &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	require.Equal(t, exchangedb.StatusSoftError, classifyErr(serErr))

	deadlockErr := &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	require.Equal(t, exchangedb.StatusSoftError, classifyErr(deadlockErr))

	uniqueErr := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	require.Equal(t, exchangedb.StatusSoftError, classifyErr(uniqueErr))

	hardErr := &pgconn.PgError{Code: pgerrcode.InvalidTextRepresentation}
	require.Equal(t, exchangedb.StatusHardError, classifyErr(hardErr))
}
