package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want apperrors.ErrorCode
	}{
		{"disk full", &pgconn.PgError{Code: "53100"}, apperrors.ErrSyncQuotaExceeded},
		{"too many connections", &pgconn.PgError{Code: "53300"}, apperrors.ErrSyncQuotaExceeded},
		{"cannot connect now", &pgconn.PgError{Code: "57P03"}, apperrors.ErrSyncUnavailable},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, apperrors.ErrSyncUnavailable},
		{"unique violation", &pgconn.PgError{Code: "23505"}, apperrors.ErrSyncFailed},
		{"deadline", context.DeadlineExceeded, apperrors.ErrSyncUnavailable},
		{"other", errors.New("boom"), apperrors.ErrSyncFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, apperrors.Is(mapError(tt.err, "op"), tt.want))
		})
	}

	assert.NoError(t, mapError(nil, "op"))
}
