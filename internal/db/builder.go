package db

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"

	apperrors "github.com/kimhsiao/stocksync/backend/internal/errors"
)

// Builder is the squirrel statement builder configured for SQLite placeholders.
var Builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Exec runs a built statement on the querier resolved from ctx.
func Exec(ctx context.Context, fallback Querier, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build query", err)
	}
	return QuerierFromCtx(ctx, fallback).ExecContext(ctx, query, args...)
}

// Query runs a built query on the querier resolved from ctx.
func Query(ctx context.Context, fallback Querier, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build query", err)
	}
	return QuerierFromCtx(ctx, fallback).QueryContext(ctx, query, args...)
}

// QueryRow runs a built single-row query on the querier resolved from ctx.
func QueryRow(ctx context.Context, fallback Querier, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build query", err)
	}
	return QuerierFromCtx(ctx, fallback).QueryRowContext(ctx, query, args...), nil
}

// mapError converts driver errors into application errors.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrNotFound, op, err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Wrap(apperrors.ErrDatabase, op, err)
}
