package txn

import "errors"

var (
	// ErrTxnAborted is returned when an operation is attempted against
	// a transaction that has already committed or rolled back.
	ErrTxnAborted = errors.New("txn: transaction already committed or rolled back")

	// ErrUnknownTransaction is returned when commit/rollback is called
	// with a txn_id the manager has no record of.
	ErrUnknownTransaction = errors.New("txn: unknown transaction id")
)
