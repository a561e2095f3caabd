package workloadapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/spiffe/go-spiffe/v2/bundle/x509bundle"
	"github.com/spiffe/go-spiffe/v2/proto/spiffe/workload"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/svid/x509svid"
	"google.golang.org/grpc/metadata"

	"github.com/sufield/wlchannel/channel"
)

// Client talks to one Workload API endpoint over a channel resource it
// owns. It is safe for concurrent use.
type Client struct {
	res     channel.Resource
	api     workload.SpiffeWorkloadAPIClient
	timeout time.Duration
	logger  *slog.Logger
	closed  atomic.Bool
}

type config struct {
	factory *channel.Factory
	exec    channel.Executor
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*config)

// WithFactory builds the channel with f instead of the package default.
func WithFactory(f *channel.Factory) Option {
	return func(c *config) { c.factory = f }
}

// WithExecutor runs the backend event loops on exec.
func WithExecutor(exec channel.Executor) Option {
	return func(c *config) { c.exec = exec }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// New builds a client for the endpoint at addr. No connection is made until
// the first fetch.
func New(addr string, opts ...Option) (*Client, error) {
	cfg := config{
		factory: channel.NewFactory(),
		timeout: DefaultTimeout,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := channel.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	res, err := cfg.factory.NewChannel(u, cfg.exec)
	if err != nil {
		return nil, err
	}

	return &Client{
		res:     res,
		api:     workload.NewSpiffeWorkloadAPIClient(res.Conn()),
		timeout: cfg.timeout,
		logger:  cfg.logger,
	}, nil
}

// Resource exposes the channel resource backing the client.
func (c *Client) Resource() channel.Resource {
	return c.res
}

// FetchX509SVIDs returns the SVIDs the agent currently issues to the caller.
// The first one is the default identity.
func (c *Client) FetchX509SVIDs(ctx context.Context) ([]*x509svid.SVID, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := c.callContext(ctx)
	stream, err := c.api.FetchX509SVID(ctx, &workload.X509SVIDRequest{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer closeStream(cancel, func() error {
		_, err := stream.Recv()
		return err
	})

	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return parseX509SVIDs(resp)
}

// WatchX509SVIDs calls fn with every SVID update until ctx is done, fn
// returns an error, or the stream fails. A cancelled ctx returns nil.
func (c *Client) WatchX509SVIDs(ctx context.Context, fn func([]*x509svid.SVID) error) error {
	if c.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(ctx, securityHeader, securityHeaderValue))
	stream, err := c.api.FetchX509SVID(ctx, &workload.X509SVIDRequest{})
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer closeStream(cancel, func() error {
		_, err := stream.Recv()
		return err
	})

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}

		svids, err := parseX509SVIDs(resp)
		if err != nil {
			c.logger.Warn("skipping unparseable SVID update", "error", err)
			continue
		}
		if err := fn(svids); err != nil {
			return err
		}
	}
}

// FetchX509Bundles returns the X.509 trust bundles the agent currently
// distributes, keyed by trust domain.
func (c *Client) FetchX509Bundles(ctx context.Context) (*x509bundle.Set, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := c.callContext(ctx)
	stream, err := c.api.FetchX509Bundles(ctx, &workload.X509BundlesRequest{})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer closeStream(cancel, func() error {
		_, err := stream.Recv()
		return err
	})

	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return parseX509Bundles(resp)
}

// Close releases the channel resource. Later calls return the first result.
func (c *Client) Close() error {
	c.closed.Store(true)
	return c.res.Release()
}

// callContext adds the security header and, when ctx has no deadline, the
// client timeout.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = metadata.AppendToOutgoingContext(ctx, securityHeader, securityHeaderValue)
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// closeStream cancels a server stream and reads it to the end so the
// channel stops counting it as in flight.
func closeStream(cancel context.CancelFunc, recv func() error) {
	cancel()
	for recv() == nil {
	}
}

func parseX509SVIDs(resp *workload.X509SVIDResponse) ([]*x509svid.SVID, error) {
	if len(resp.GetSvids()) == 0 {
		return nil, fmt.Errorf("%w: no SVIDs in response", ErrInvalidResponse)
	}

	svids := make([]*x509svid.SVID, 0, len(resp.GetSvids()))
	for i, s := range resp.GetSvids() {
		svid, err := x509svid.ParseRaw(s.GetX509Svid(), s.GetX509SvidKey())
		if err != nil {
			return nil, fmt.Errorf("%w: SVID %d (%s): %w", ErrInvalidResponse, i, s.GetSpiffeId(), err)
		}
		svid.Hint = s.GetHint()
		svids = append(svids, svid)
	}
	return svids, nil
}

func parseX509Bundles(resp *workload.X509BundlesResponse) (*x509bundle.Set, error) {
	set := x509bundle.NewSet()
	for tdName, raw := range resp.GetBundles() {
		td, err := spiffeid.TrustDomainFromString(tdName)
		if err != nil {
			return nil, fmt.Errorf("%w: trust domain %q: %w", ErrInvalidResponse, tdName, err)
		}
		b, err := x509bundle.ParseRaw(td, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle for %q: %w", ErrInvalidResponse, tdName, err)
		}
		set.Add(b)
	}
	return set, nil
}
