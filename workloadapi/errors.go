package workloadapi

import (
	"errors"
	"time"
)

const (
	// DefaultTimeout bounds a single fetch when the caller's context has no
	// deadline of its own.
	DefaultTimeout = 30 * time.Second

	// securityHeader must be present on every Workload API request; agents
	// reject calls without it.
	securityHeader      = "workload.spiffe.io"
	securityHeaderValue = "true"
)

// Sentinel errors for inspectable error handling. Compare with errors.Is.
var (
	// ErrFetchFailed indicates the call to the agent failed.
	ErrFetchFailed = errors.New("workloadapi: fetch failed")

	// ErrInvalidResponse indicates the agent answered with something that
	// could not be parsed.
	ErrInvalidResponse = errors.New("workloadapi: invalid response from agent")

	// ErrClosed indicates the client was used after Close.
	ErrClosed = errors.New("workloadapi: client closed")
)
