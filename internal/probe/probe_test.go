package probe

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Spatial-NVR/CamWatch/internal/camera"
)

func TestProbe_NoTarget(t *testing.T) {
	called := false
	p := New(WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		called = true
		return 0, nil
	}))

	res := p.Probe(context.Background(), camera.Descriptor{URL: "not-a-url"}, time.Second)
	if res.Reachable {
		t.Error("Expected unreachable")
	}
	if res.ErrorReason != ReasonNoTarget {
		t.Errorf("Expected reason %q, got %q", ReasonNoTarget, res.ErrorReason)
	}
	if called {
		t.Error("Ping must not run without a target")
	}
}

func TestProbe_Reachable(t *testing.T) {
	var gotHost string
	var gotTimeout time.Duration
	p := New(WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		gotHost = host
		gotTimeout = timeout
		return 12500 * time.Microsecond, nil
	}))

	res := p.Probe(context.Background(), camera.Descriptor{URL: "rtsp://admin:x@10.1.2.3:554/live"}, 3*time.Second)
	if !res.Reachable {
		t.Fatalf("Expected reachable, got %+v", res)
	}
	if gotHost != "10.1.2.3" {
		t.Errorf("Expected host 10.1.2.3, got %s", gotHost)
	}
	if gotTimeout != 3*time.Second {
		t.Errorf("Expected timeout 3s, got %s", gotTimeout)
	}
	if res.LatencyMs != 12.5 {
		t.Errorf("Expected latency 12.5ms, got %v", res.LatencyMs)
	}
}

func TestProbe_ErrorsBecomeUnreachable(t *testing.T) {
	p := New(WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		return 0, errors.New("no route to host")
	}))

	res := p.Probe(context.Background(), camera.Descriptor{Host: "10.9.9.9"}, time.Second)
	if res.Reachable {
		t.Error("Expected unreachable")
	}
	if res.ErrorReason != "no route to host" {
		t.Errorf("Unexpected reason %q", res.ErrorReason)
	}
}

func TestProbe_PanicIsContained(t *testing.T) {
	p := New(WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		panic("socket exploded")
	}))

	res := p.Probe(context.Background(), camera.Descriptor{Host: "10.9.9.9"}, time.Second)
	if res.Reachable {
		t.Error("Expected unreachable after panic")
	}
	if res.ErrorReason == "" {
		t.Error("Expected a reason after panic")
	}
}

func TestProbeAll_RunsConcurrently(t *testing.T) {
	const n = 10
	const delay = 100 * time.Millisecond

	p := New(WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		time.Sleep(delay)
		if host == "10.0.0.3" {
			return 0, errors.New("timeout")
		}
		return time.Millisecond, nil
	}))

	cams := make([]*camera.Camera, 0, n)
	for i := 1; i <= n; i++ {
		cams = append(cams, &camera.Camera{
			ID:     int64(i),
			Source: camera.Descriptor{Host: "10.0.0." + string(rune('0'+i%10))},
		})
	}

	start := time.Now()
	results := p.ProbeAll(context.Background(), cams, time.Second)
	elapsed := time.Since(start)

	if len(results) != n {
		t.Fatalf("Expected %d results, got %d", n, len(results))
	}
	if results[3] {
		t.Error("Expected camera 3 unreachable")
	}
	if !results[1] {
		t.Error("Expected camera 1 reachable")
	}
	if elapsed > 5*delay {
		t.Errorf("ProbeAll took %s, probes do not look concurrent", elapsed)
	}
}

func TestProbeAll_RespectsConcurrencyLimit(t *testing.T) {
	var inFlight, maxInFlight int32

	p := New(WithConcurrency(2), WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return time.Millisecond, nil
	}))

	cams := []*camera.Camera{}
	for i := 1; i <= 6; i++ {
		cams = append(cams, &camera.Camera{ID: int64(i), Source: camera.Descriptor{Host: "h"}})
	}
	p.ProbeAll(context.Background(), cams, time.Second)

	if maxInFlight > 2 {
		t.Errorf("Expected at most 2 probes in flight, saw %d", maxInFlight)
	}
}

func TestProbeAll_NoTargetCameraIsOffline(t *testing.T) {
	p := New(WithPingFunc(func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
		return time.Millisecond, nil
	}))

	results := p.ProbeAll(context.Background(), []*camera.Camera{
		{ID: 1, Source: camera.Descriptor{}},
		{ID: 2, Source: camera.Descriptor{Host: "10.0.0.2"}},
	}, time.Second)

	if results[1] {
		t.Error("Camera without target should be offline")
	}
	if !results[2] {
		t.Error("Camera 2 should be online")
	}
}

func TestICMPPing_SlowResolverHonoursTimeout(t *testing.T) {
	slow := func(ctx context.Context, host string) ([]net.IPAddr, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := icmpPing(false, slow)(context.Background(), "cam.example.com", 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Resolution should be bounded by the probe timeout, took %v", elapsed)
	}
}

func TestResolve(t *testing.T) {
	lookups := 0
	lookup := func(ctx context.Context, host string) ([]net.IPAddr, error) {
		lookups++
		return []net.IPAddr{{IP: net.ParseIP("2001:db8::7")}, {IP: net.ParseIP("10.0.0.7")}}, nil
	}

	addr, err := resolve(context.Background(), lookup, "cam.local")
	if err != nil || addr.IP.String() != "10.0.0.7" {
		t.Errorf("Expected the IPv4 address, got %v %v", addr, err)
	}

	addr, err = resolve(context.Background(), lookup, "192.168.1.20")
	if err != nil || addr.IP.String() != "192.168.1.20" {
		t.Errorf("Literal IP should pass through, got %v %v", addr, err)
	}
	if lookups != 1 {
		t.Errorf("Literal IP must not be looked up, %d lookups", lookups)
	}

	empty := func(context.Context, string) ([]net.IPAddr, error) { return nil, nil }
	if _, err := resolve(context.Background(), empty, "cam.local"); err == nil {
		t.Error("Expected an error for a name without addresses")
	}
}
