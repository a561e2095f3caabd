package channel

import "errors"

// Sentinel errors for inspectable error handling. Compare with errors.Is.
var (
	// ErrInvalidAddress indicates a nil address or one missing the parts its
	// scheme requires (a path for unix, host and port otherwise).
	ErrInvalidAddress = errors.New("channel: invalid address")

	// ErrChannelConstruction indicates the backend or the gRPC channel could
	// not be built. Nothing is left running when it is returned.
	ErrChannelConstruction = errors.New("channel: construction failed")

	// ErrBackendShutdown is reported by Release when the I/O backend failed
	// to stop in time. The resource is still considered released.
	ErrBackendShutdown = errors.New("channel: backend shutdown failed")
)
