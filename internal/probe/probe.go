// Package probe determines camera reachability with a single ICMP echo
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
)

// ReasonNoTarget is reported when no host can be derived from a descriptor
const ReasonNoTarget = "no target"

// Result is the outcome of a single probe
type Result struct {
	Reachable   bool    `json:"reachable"`
	LatencyMs   float64 `json:"latencyMs,omitempty"`
	ErrorReason string  `json:"errorReason,omitempty"`
}

// PingFunc sends one echo to host and returns the round-trip time.
// It must honour ctx and the timeout.
type PingFunc func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)

// Prober checks camera hosts. It holds no shared state besides its config.
type Prober struct {
	ping        PingFunc
	concurrency int
	logger      *slog.Logger
}

// Option configures a Prober
type Option func(*Prober)

// WithPingFunc replaces the ICMP implementation
func WithPingFunc(fn PingFunc) Option {
	return func(p *Prober) { p.ping = fn }
}

// WithConcurrency bounds the number of probes in flight during ProbeAll
func WithConcurrency(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// New creates a prober using unprivileged ICMP by default
func New(opts ...Option) *Prober {
	p := &Prober{
		ping:        ICMPPing(false),
		concurrency: 32,
		logger:      slog.Default().With("component", "prober"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe checks a single descriptor. Every failure is folded into the result.
func (p *Prober) Probe(ctx context.Context, desc camera.Descriptor, timeout time.Duration) (result Result) {
	host := desc.TargetHost()
	if host == "" {
		return Result{Reachable: false, ErrorReason: ReasonNoTarget}
	}

	defer func() {
		if r := recover(); r != nil {
			result = Result{Reachable: false, ErrorReason: fmt.Sprintf("probe panic: %v", r)}
		}
	}()

	rtt, err := p.ping(ctx, host, timeout)
	if err != nil {
		return Result{Reachable: false, ErrorReason: err.Error()}
	}
	return Result{Reachable: true, LatencyMs: float64(rtt.Microseconds()) / 1000}
}

// ProbeAll probes every camera concurrently and maps camera id to reachability.
// A sweep costs roughly the slowest probe instead of the sum of all probes.
func (p *Prober) ProbeAll(ctx context.Context, cameras []*camera.Camera, timeout time.Duration) map[int64]bool {
	results := make(map[int64]bool, len(cameras))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for _, cam := range cameras {
		g.Go(func() error {
			res := p.Probe(gctx, cam.Source, timeout)
			if !res.Reachable {
				p.logger.Debug("Camera unreachable", "camera", cam.ID, "reason", res.ErrorReason)
			}
			mu.Lock()
			results[cam.ID] = res.Reachable
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// lookupFunc resolves a host name; net.Resolver.LookupIPAddr satisfies it
type lookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// ICMPPing returns a PingFunc backed by pro-bing. Privileged mode uses raw
// sockets; unprivileged mode uses UDP ICMP sockets (Linux needs
// net.ipv4.ping_group_range to include the process group).
// Name resolution counts against the same timeout as the echo.
func ICMPPing(privileged bool) PingFunc {
	return icmpPing(privileged, net.DefaultResolver.LookupIPAddr)
}

func icmpPing(privileged bool, lookup lookupFunc) PingFunc {
	return func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		addr, err := resolve(ctx, lookup, host)
		if err != nil {
			return 0, fmt.Errorf("resolve %s: %w", host, err)
		}
		remaining := time.Until(deadlineOf(ctx))
		if remaining <= 0 {
			return 0, fmt.Errorf("ping %s: %w", host, context.DeadlineExceeded)
		}

		pinger := probing.New(host)
		pinger.SetIPAddr(addr)
		pinger.Count = 1
		pinger.Timeout = remaining
		pinger.SetPrivileged(privileged)

		if err := pinger.RunWithContext(ctx); err != nil {
			return 0, fmt.Errorf("ping %s: %w", host, err)
		}

		stats := pinger.Statistics()
		if stats.PacketsRecv == 0 || stats.PacketLoss > 0 {
			return 0, fmt.Errorf("ping %s: no reply within %s", host, timeout)
		}
		return stats.AvgRtt, nil
	}
}

// resolve prefers an IPv4 address. Literal IPs skip the lookup.
func resolve(ctx context.Context, lookup lookupFunc, host string) (*net.IPAddr, error) {
	if ip := net.ParseIP(host); ip != nil {
		return &net.IPAddr{IP: ip}, nil
	}
	addrs, err := lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no addresses for %s", host)
	}
	for i := range addrs {
		if addrs[i].IP.To4() != nil {
			return &addrs[i], nil
		}
	}
	return &addrs[0], nil
}

func deadlineOf(ctx context.Context) time.Time {
	d, _ := ctx.Deadline()
	return d
}
