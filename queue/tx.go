package queue

import (
	"context"
	"database/sql"
)

type ctxKey int

const txKey ctxKey = iota

// ContextWithTx enlists a caller-owned transaction. Transport sends that
// observe it join the caller's unit of work instead of opening their
// own transaction; the enqueue then commits or aborts with the caller.
func ContextWithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext returns the enlisted transaction, if any.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok && tx != nil
}
