// Package errs enumerates the error kinds the core reacts to differently.
//
// The sentinels can be matched with errors.Is. Only ErrConfiguration is
// currently wrapped (by configs and cmd/arbengine); the other components
// return plain wrapped errors that do not carry any of these sentinels.
package errs

import "errors"

var (
	// ErrTransient marks a transport/decode failure that is retried locally
	// (per-pool staleness counter) without affecting the rest of a cycle.
	ErrTransient = errors.New("transient error")

	// ErrValidation marks a rejected opportunity (stale snapshot, below
	// threshold, unsized path). The pipeline continues after this.
	ErrValidation = errors.New("validation error")

	// ErrConfiguration marks a startup misconfiguration. Fatal.
	ErrConfiguration = errors.New("configuration error")

	// ErrSafetyGate marks a build-time guard trip (e.g. zero adapter
	// address). The opportunity is abandoned, the pipeline continues.
	ErrSafetyGate = errors.New("safety gate error")

	// ErrExecutionRevert marks an on-chain or simulated revert.
	ErrExecutionRevert = errors.New("execution revert")

	// ErrNonceConflict marks nonce state that could not be reconciled
	// automatically from chain state.
	ErrNonceConflict = errors.New("nonce conflict")

	// ErrFatal marks a condition that halts further LIVE submissions until
	// operator intervention (circuit breaker trip, nonce corruption).
	ErrFatal = errors.New("fatal error")
)
