package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kimhsiao/stocksync/backend/internal/sync/remote"
)

// mapError converts pgx/pgconn errors to remote error classes.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return remote.Unavailable(op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "53": // insufficient_resources
			return remote.QuotaExceeded(op, err)
		case pgErr.Code == "57P03", pgErr.Code == "08006", pgErr.Code == "08001": // cannot_connect_now, connection failures
			return remote.Unavailable(op, err)
		case pgErr.Code == "57014": // query_canceled (statement_timeout)
			return remote.Unavailable(op, err)
		}
		return remote.Failed(op, err)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return remote.Unavailable(op, err)
	}

	return remote.Failed(op, err)
}
