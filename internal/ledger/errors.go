package ledger

import "fmt"

// NetworkError indicates the ledger network could not be reached. Transient;
// the caller may retry on a later cycle.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("ledger network unavailable during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SimulationError indicates the transaction as constructed cannot succeed.
// Terminal for this attempt; carries the network's diagnostic string.
type SimulationError struct {
	Diagnostic string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("transaction simulation failed: %s", e.Diagnostic)
}

// TransactionError indicates the network accepted and ran the transaction but
// it did not succeed. The hash is retained for audit.
type TransactionError struct {
	Hash string
	Code string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed with code %s", e.Hash, e.Code)
}

// PollTimeoutError indicates the poll loop exhausted its attempts with the
// transaction still in flight. The final outcome is unknown: the transaction
// may still land, so this must not be treated as "funds not moved".
type PollTimeoutError struct {
	Hash     string
	Attempts int
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("transaction %s still pending after %d poll attempts", e.Hash, e.Attempts)
}
