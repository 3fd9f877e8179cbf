package plugin_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/credits/cost"
	"github.com/xraph/credits/entry"
	"github.com/xraph/credits/id"
	"github.com/xraph/credits/plugin"
	"github.com/xraph/credits/types"
)

type namedPlugin struct{ name string }

func (p namedPlugin) Name() string { return p.name }

type chargeCounter struct {
	namedPlugin
	mu      sync.Mutex
	charged int
	err     error
}

func (p *chargeCounter) OnCharged(context.Context, *entry.Entry, *cost.CalculationDetails) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charged++
	return p.err
}

type slowShutdown struct {
	namedPlugin
	release chan struct{}
}

func (p *slowShutdown) OnShutdown(context.Context) error {
	<-p.release
	return nil
}

type failureWatcher struct {
	namedPlugin
	ops []types.Operation
}

func (p *failureWatcher) OnOperationFailed(_ context.Context, op types.Operation, _ id.AccountID, _ string, _ error) error {
	p.ops = append(p.ops, op)
	return nil
}

func newRegistry() *plugin.Registry {
	return plugin.NewRegistry().WithLogger(slog.New(slog.DiscardHandler))
}

func TestRegister(t *testing.T) {
	r := newRegistry()

	require.NoError(t, r.Register(&chargeCounter{namedPlugin: namedPlugin{"counter"}}))
	require.NoError(t, r.Register(namedPlugin{"inert"}))

	err := r.Register(namedPlugin{"counter"})
	assert.Error(t, err)

	assert.Equal(t, 2, r.Count())
	assert.NotNil(t, r.Get("inert"))
	assert.Nil(t, r.Get("missing"))

	names := make([]string, 0, 2)
	for _, p := range r.List() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"counter", "inert"}, names)
}

func TestEmitDispatchesOnlyToImplementers(t *testing.T) {
	r := newRegistry()
	counter := &chargeCounter{namedPlugin: namedPlugin{"counter"}}
	watcher := &failureWatcher{namedPlugin: namedPlugin{"watcher"}}
	require.NoError(t, r.Register(counter))
	require.NoError(t, r.Register(watcher))

	ctx := context.Background()
	r.EmitCharged(ctx, &entry.Entry{}, &cost.CalculationDetails{})
	r.EmitCharged(ctx, &entry.Entry{}, nil)
	r.EmitGranted(ctx, &entry.Entry{})
	r.EmitOperationFailed(ctx, types.OpRefund, id.NewAccountID(), "", errors.New("boom"))

	assert.Equal(t, 2, counter.charged)
	assert.Equal(t, []types.Operation{types.OpRefund}, watcher.ops)
}

func TestHookErrorsDoNotStopDispatch(t *testing.T) {
	r := newRegistry()
	failing := &chargeCounter{namedPlugin: namedPlugin{"failing"}, err: errors.New("sink down")}
	healthy := &chargeCounter{namedPlugin: namedPlugin{"healthy"}}
	require.NoError(t, r.Register(failing))
	require.NoError(t, r.Register(healthy))

	r.EmitCharged(context.Background(), &entry.Entry{}, nil)

	assert.Equal(t, 1, failing.charged)
	assert.Equal(t, 1, healthy.charged)
}

func TestHookTimeout(t *testing.T) {
	r := newRegistry().WithTimeout(20 * time.Millisecond)
	slow := &slowShutdown{namedPlugin: namedPlugin{"slow"}, release: make(chan struct{})}
	defer close(slow.release)
	require.NoError(t, r.Register(slow))

	start := time.Now()
	r.EmitShutdown(context.Background())
	assert.Less(t, time.Since(start), time.Second)
}
