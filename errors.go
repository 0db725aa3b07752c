package pokeshell

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable matches every transport-level failure reported by
	// the upstream network.
	ErrNetworkUnavailable = errors.New("pokeshell: network unavailable")
	// ErrQueuePersistence matches every QueuePersistenceError.
	ErrQueuePersistence = errors.New("pokeshell: queue persistence failed")
	// ErrMalformedPush is returned by ParsePush for bodies that are not a JSON object.
	ErrMalformedPush = errors.New("pokeshell: malformed push payload")
	// ErrUncacheable is returned by CacheStore.Put for non-2xx and partial responses.
	ErrUncacheable = errors.New("pokeshell: response not cacheable")
)

// NetworkError wraps a transport failure for one upstream request.
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network unavailable: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnavailable }

// QueuePersistenceError reports a queue store that refused a write. The
// mutation stays in the in-memory queue and the next write retries the
// full list.
type QueuePersistenceError struct {
	Pending int
	Err     error
}

func (e *QueuePersistenceError) Error() string {
	return fmt.Sprintf("queue persistence failed (%d pending): %v", e.Pending, e.Err)
}

func (e *QueuePersistenceError) Unwrap() error { return e.Err }

func (e *QueuePersistenceError) Is(target error) bool { return target == ErrQueuePersistence }
