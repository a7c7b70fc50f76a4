// Package retry repeats an operation with exponential backoff, each wait
// stretched by a random amount of up to half its length.
//
// The service uses it at startup, to wait for the key-value backend to answer:
//
//	err := retry.Do(ctx, retry.Config{
//		MaxAttempts:    10,
//		InitialDelay:   500 * time.Millisecond,
//		MaxElapsedTime: time.Minute,
//	}, store.Ping)
//
// HTTP calls retry inside internal/platform/httpclient instead, which understands
// status codes and Retry-After.
package retry
