// Package shared contains the error taxonomy used across the scheduler.
//
// Storage backends and adapters classify driver errors with MarkKind so that callers
// can branch on KindOf without knowing which backend produced the error:
//
//	if err := store.Set(ctx, key, value, ttl); err != nil {
//	    switch shared.KindOf(err) {
//	    case shared.KindTimeout:
//	        // store did not answer in time
//	    case shared.KindDependencyFailure:
//	        // store rejected or failed the write
//	    }
//	}
//
// Kind priority (highest first): Canceled, Timeout, NotFound, Validation, Conflict,
// DependencyFailure, Internal.
//
// Error message style: lowercase, no trailing punctuation, composable with Wrap.
// Map kinds to HTTP status codes or result error codes in adapter layers only.
package shared
