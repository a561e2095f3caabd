// Package channel builds gRPC channels to a local SPIFFE Workload API
// endpoint.
//
// An endpoint address with the "unix" scheme yields a domain-socket channel
// driven by the platform's native I/O backend (epoll on Linux, kqueue on
// macOS and the BSDs). Any other scheme yields a plaintext TCP channel that
// relies on gRPC's own connection handling.
//
// The channel and its backend are returned together as a Resource and must
// be released together:
//
//	addr, err := channel.ParseAddress("unix:///tmp/spire-agent/public/api.sock")
//	if err != nil {
//	    return err
//	}
//	res, err := channel.NewChannel(addr, nil)
//	if err != nil {
//	    return err
//	}
//	defer res.Release()
//
//	client := workload.NewSpiffeWorkloadAPIClient(res.Conn())
//
// Resource is a closed union of *TCPResource and *UnixResource; a type
// switch tells callers which path was taken.
//
// Platform support: on platforms without a native backend the portable
// backend is used. It cannot service domain sockets, so unix channels build
// successfully but every connection attempt fails. Use a tcp:// address
// there.
package channel
