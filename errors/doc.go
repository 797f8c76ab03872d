// Package errors provides the error classification used across pointflow.
//
// Errors fall into three classes: Transient (retryable, e.g. the point store backend is
// unreachable), Invalid (bad input such as an unknown rule id or a malformed pattern) and
// Fatal (stop processing). Classification survives wrapping, so callers can decide on retry
// or propagation without matching error strings:
//
//	if err := store.Write(ctx, key, v, point.QualityGood); err != nil {
//	    if errors.Is(err, errors.ErrStorageUnavailable) {
//	        // surface to the gateway, it owns retry/backoff
//	    }
//	}
//
// All wrapping follows the "component.method: action failed: %w" format:
//
//	errors.Wrap(err, "AlarmEngine", "Evaluate", "load rule")
//	errors.WrapInvalid(errors.ErrMalformedPattern, "SyncEngine", "Compile", "parse source pattern")
//	errors.WrapTransient(err, "RedisBackend", "Write", "run write script")
//
// The domain sentinels map onto the failure taxonomy of the dispatch core:
//
//   - ErrStorageUnavailable: transient, fatal to the write path, returned to the ingress caller
//   - ErrRuleNotFound: invalid, returned to the caller of a rule operation
//   - ErrMalformedPattern: invalid, rejected at registration time
//   - ErrActionFailed: a single action side effect failed; logged and counted
//   - ErrCooldownActive: informational, evaluation short-circuits silently
//   - ErrDispatchCycle: a dispatch chain exceeded its depth or revisited a key
//   - ErrQueueFull: a bounded queue rejected work (back-pressure, never a panic)
package errors
