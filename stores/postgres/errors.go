package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/glimte/cogbus/contracts"
)

const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUndefinedTable       = "42P01"
)

var ErrSchemaMissing = errors.New("postgres: schema missing, run Migrate")

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUndefinedTable
}

// isTransient reports failures a retry can clear: conflicts between
// concurrent transactions, timeouts and connection failures before the
// statement reached the server
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
	}
	return pgconn.Timeout(err) || pgconn.SafeToRetry(err)
}

// wrap maps driver errors onto the bus taxonomy. Transient failures become
// retryable TransportErrors.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case isTransient(err):
		return contracts.NewTransportError("postgres "+op, "", err)
	case isUndefinedTable(err):
		return fmt.Errorf("%w: %s: %w", ErrSchemaMissing, op, err)
	default:
		return fmt.Errorf("postgres: %s: %w", op, err)
	}
}
