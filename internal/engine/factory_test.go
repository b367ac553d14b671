package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbroker/internal/component"
	"imbroker/internal/ibus"
	"imbroker/internal/loop"
	"imbroker/internal/metrics"
	"imbroker/internal/rpc/rpctest"
)

type nopProcess struct{}

func (nopProcess) Pid() int    { return 42 }
func (nopProcess) Stop() error { return nil }

type countingLauncher struct {
	launches int
}

func (l *countingLauncher) Launch(string, func(error)) (component.Process, error) {
	l.launches++
	return nopProcess{}, nil
}

type factoryFixture struct {
	clock    *loop.ManualClock
	loop     *loop.Loop
	registry *component.Registry
	comp     *component.Component
	desc     *ibus.EngineDesc
	remote   *rpctest.Factory
	launcher *countingLauncher
	metrics  *metrics.BrokerMetrics
	factory  *Factory
}

func newFactoryFixture(t *testing.T, exec string) *factoryFixture {
	t.Helper()
	f := &factoryFixture{clock: loop.NewManualClock(), launcher: &countingLauncher{}}
	f.loop = loop.New(loop.WithClock(f.clock))
	f.registry = component.NewRegistry(nil, nil)
	f.desc = &ibus.EngineDesc{Name: "anthy", Layout: "jp"}
	f.comp = component.New(component.Info{Name: "org.freedesktop.IBus.Anthy", Exec: exec},
		[]*ibus.EngineDesc{f.desc}, f.launcher, nil)
	require.NoError(t, f.registry.Add(f.comp))
	f.remote = rpctest.NewFactory(f.loop)
	f.metrics = metrics.NewBrokerMetrics(metrics.NewRegistry("test"))
	f.factory = NewFactory(FactoryOptions{
		Loop:     f.loop,
		Resolver: f.registry,
		Metrics:  f.metrics,
	})
	return f
}

type result struct {
	proxy *Proxy
	err   error
}

func (f *factoryFixture) create(ctx context.Context, timeout time.Duration) *[]result {
	results := &[]result{}
	f.factory.Create(ctx, f.desc, timeout, func(p *Proxy, err error) {
		*results = append(*results, result{p, err})
	})
	return results
}

func TestCreateWithLiveFactory(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")
	f.comp.SetFactory(f.remote)

	results := f.create(context.Background(), DefaultTimeout)
	assert.Empty(t, *results, "completion is never synchronous")

	f.loop.RunPending()
	require.Len(t, *results, 1)
	require.NoError(t, (*results)[0].err)
	p := (*results)[0].proxy
	require.NotNil(t, p)
	assert.Equal(t, "anthy", p.Name())
	assert.Equal(t, []string{"anthy"}, f.remote.Created())
	assert.Zero(t, f.launcher.launches)
	assert.Equal(t, uint64(1), f.metrics.EngineCreates[metrics.OutcomeOK].Value())

	supported, known := f.factory.Cache().FocusID("anthy")
	assert.True(t, known, "probe ran for the new proxy")
	assert.True(t, supported)
}

func TestCreateStartsComponentAndWaitsForFactory(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")

	results := f.create(context.Background(), DefaultTimeout)
	f.loop.RunPending()
	assert.Equal(t, 1, f.launcher.launches)
	assert.Empty(t, *results)
	assert.Equal(t, 1, f.comp.Subscribers())

	f.clock.Advance(time.Second)
	f.loop.Post(func() { f.comp.SetFactory(f.remote) })
	f.loop.RunPending()

	require.Len(t, *results, 1)
	require.NoError(t, (*results)[0].err)
	assert.Zero(t, f.comp.Subscribers(), "listener removed before completion")

	f.clock.Advance(DefaultTimeout)
	f.loop.RunPending()
	assert.Len(t, *results, 1, "timer was torn down")
}

func TestCreateTimesOutExactlyOnce(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")

	results := f.create(context.Background(), 5000*time.Millisecond)

	f.clock.Advance(4999 * time.Millisecond)
	f.loop.RunPending()
	assert.Empty(t, *results)

	f.clock.Advance(time.Millisecond)
	f.loop.RunPending()
	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrFactoryTimeout)
	assert.Nil(t, (*results)[0].proxy)

	// A factory showing up late must not complete the request again.
	f.comp.SetFactory(f.remote)
	f.loop.RunPending()
	assert.Len(t, *results, 1)
	assert.Empty(t, f.remote.Created())
	assert.Equal(t, uint64(1), f.metrics.EngineCreates[metrics.OutcomeTimeout].Value())
}

func TestCancelFromIssuingCallIsDeferred(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")

	ctx, cancel := context.WithCancel(context.Background())
	results := f.create(ctx, DefaultTimeout)
	cancel()
	assert.Empty(t, *results, "cancellation never completes synchronously")

	require.Eventually(t, func() bool {
		f.loop.RunPending()
		return len(*results) == 1
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrOperationCancelled)

	f.clock.Advance(DefaultTimeout)
	f.comp.SetFactory(f.remote)
	f.loop.RunPending()
	assert.Len(t, *results, 1)
	assert.Zero(t, f.comp.Subscribers())
}

func TestCancelBeatsDueTimeout(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")

	ctx, cancel := context.WithCancel(context.Background())
	results := f.create(ctx, DefaultTimeout)
	cancel()
	// The timer is due before the cancellation has necessarily been posted.
	f.clock.Advance(DefaultTimeout)
	f.loop.RunPending()

	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrOperationCancelled)
	assert.NotErrorIs(t, (*results)[0].err, ibus.ErrFactoryTimeout)
	assert.Zero(t, f.comp.Subscribers())

	time.Sleep(10 * time.Millisecond)
	f.loop.RunPending()
	assert.Len(t, *results, 1)
}

func TestCancelBeatsFactoryAppearing(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")

	ctx, cancel := context.WithCancel(context.Background())
	results := f.create(ctx, DefaultTimeout)
	cancel()
	f.comp.SetFactory(f.remote)
	f.loop.RunPending()

	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrOperationCancelled)
	assert.Empty(t, f.remote.Created())
}

func TestCreateWithCancelledContext(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.create(ctx, DefaultTimeout)
	assert.Empty(t, *results)
	f.loop.RunPending()
	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrOperationCancelled)
	assert.Zero(t, f.launcher.launches)
}

func TestCancelWhileRemoteCreateInFlight(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")
	f.comp.SetFactory(f.remote)

	ctx, cancel := context.WithCancel(context.Background())
	results := f.create(ctx, DefaultTimeout)
	cancel()
	f.loop.RunPending()

	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrOperationCancelled)
}

func TestCreateStartFailure(t *testing.T) {
	f := newFactoryFixture(t, "")

	results := f.create(context.Background(), DefaultTimeout)
	assert.Empty(t, *results)
	f.loop.RunPending()

	require.Len(t, *results, 1)
	assert.ErrorIs(t, (*results)[0].err, ibus.ErrComponentStartFailed)
	assert.Zero(t, f.comp.Subscribers())

	f.clock.Advance(DefaultTimeout)
	f.loop.RunPending()
	assert.Len(t, *results, 1)
}

func TestCreateRemoteFailure(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")
	f.remote.Fail(errors.New("org.freedesktop.DBus.Error.Failed: can not create engine"))
	f.comp.SetFactory(f.remote)

	results := f.create(context.Background(), DefaultTimeout)
	f.loop.RunPending()

	require.Len(t, *results, 1)
	err := (*results)[0].err
	assert.ErrorIs(t, err, ibus.ErrRemoteCreateFailed)
	assert.ErrorIs(t, err, ibus.ErrRemoteCallFailed)
	assert.Contains(t, err.Error(), "can not create engine")
}

func TestCreateInvalidDescriptor(t *testing.T) {
	f := newFactoryFixture(t, "/usr/libexec/ibus-engine-anthy")

	var got error
	calls := 0
	f.factory.Create(context.Background(), &ibus.EngineDesc{Name: "stranger"}, 0, func(_ *Proxy, err error) {
		calls++
		got = err
	})
	assert.Zero(t, calls)
	f.loop.RunPending()
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, got, ibus.ErrDescriptorInvalid)
}

func TestFactoryKeymapFromLayout(t *testing.T) {
	f := newFactoryFixture(t, "")
	s := rpctest.NewSession(f.loop, "/e/1")
	p := f.factory.NewProxy(&ibus.EngineDesc{Name: "xkb:de::ger", Layout: "de"}, s)

	p.ProcessKeyEvent(0, 21, 0, nil)
	call, ok := s.Last("ProcessKeyEvent")
	require.True(t, ok)
	assert.Equal(t, uint32('z'), call.Args[0])
}

func TestFactoryDefaultLayout(t *testing.T) {
	f := newFactoryFixture(t, "")
	factory := NewFactory(FactoryOptions{Loop: f.loop, DefaultLayout: "de"})
	s := rpctest.NewSession(f.loop, "/e/1")
	p := factory.NewProxy(&ibus.EngineDesc{Name: "anthy", Layout: "default"}, s)

	p.ProcessKeyEvent(0, 21, 0, nil)
	call, ok := s.Last("ProcessKeyEvent")
	require.True(t, ok)
	assert.Equal(t, uint32('z'), call.Args[0])
}
