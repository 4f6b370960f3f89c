// Package assert carries a panic-on-broken-invariant helper.
package assert

// That panics with msg if condition is false. Used for invariants that
// indicate a programming error in the caller, never for data the caller's
// caller controls (those return a *dberrors.StorageError instead).
func That(condition bool, msg string) {
	if !condition {
		panic(msg)
	}
}
