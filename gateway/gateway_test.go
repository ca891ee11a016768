package gateway_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angzarr-io/kernel/gateway"
	"github.com/angzarr-io/kernel/internal/kernel"
)

// fakeDispatcher simulates a coordinator that fails Retryable for the first
// failures calls, then succeeds, echoing back whatever cover it was invoked
// with so tests can inspect correlation-ID synthesis.
type fakeDispatcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	lastCmd  kernel.CommandBook
}

func (f *fakeDispatcher) Execute(ctx context.Context, cmd kernel.CommandBook) (*kernel.EventBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastCmd = cmd
	if f.calls <= f.failures {
		return nil, kernel.RetryableErr("sequence conflict", nil)
	}
	return &kernel.EventBook{Cover: cmd.Cover, Pages: []kernel.EventPage{{Sequence: 1}}}, nil
}

func (f *fakeDispatcher) RebuildState(ctx context.Context, cover kernel.Cover) (kernel.EventBook, error) {
	return kernel.EventBook{Cover: cover}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func createOrderCommand(correlationID string) kernel.CommandBook {
	return kernel.CommandBook{
		Cover: kernel.Cover{Domain: "order", CorrelationID: correlationID},
		Pages: []kernel.CommandPage{{Command: kernel.TypedPayload{TypeURL: "examples.order.CreateOrder", Value: []byte("{}")}}},
	}
}

// TestGateway_Submit_SynthesizesCorrelationID covers spec §4.6: "assigns a
// correlation ID if absent".
func TestGateway_Submit_SynthesizesCorrelationID(t *testing.T) {
	fd := &fakeDispatcher{}
	gw := gateway.New(map[string]gateway.Domain{"order": {Dispatcher: fd}}, nil)

	book, err := gw.Submit(context.Background(), createOrderCommand(""))
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.NotEmpty(t, book.Cover.CorrelationID)
	assert.NotEmpty(t, fd.lastCmd.Cover.CorrelationID)
}

// TestGateway_Submit_PreservesSuppliedCorrelationID ensures synthesis only
// kicks in when the caller left the field empty.
func TestGateway_Submit_PreservesSuppliedCorrelationID(t *testing.T) {
	fd := &fakeDispatcher{}
	gw := gateway.New(map[string]gateway.Domain{"order": {Dispatcher: fd}}, nil)

	book, err := gw.Submit(context.Background(), createOrderCommand("caller-supplied-id"))
	require.NoError(t, err)
	assert.Equal(t, "caller-supplied-id", book.Cover.CorrelationID)
}

// TestGateway_Submit_RetriesOnRetryableThenSucceeds covers spec §4.6: "on
// Retryable, retries up to N times with jittered backoff".
func TestGateway_Submit_RetriesOnRetryableThenSucceeds(t *testing.T) {
	fd := &fakeDispatcher{failures: 2}
	gw := gateway.New(map[string]gateway.Domain{"order": {Dispatcher: fd}}, nil)

	book, err := gw.Submit(context.Background(), createOrderCommand("corr-1"))
	require.NoError(t, err)
	require.NotNil(t, book)
	assert.Equal(t, 3, fd.callCount())
}

// TestGateway_Submit_RetryBudgetExhausted covers the bound on the retry
// loop: a command that is always Retryable eventually surfaces the error
// rather than retrying forever.
func TestGateway_Submit_RetryBudgetExhausted(t *testing.T) {
	fd := &fakeDispatcher{failures: 1000}
	gw := gateway.New(map[string]gateway.Domain{"order": {Dispatcher: fd}}, nil)

	_, err := gw.Submit(context.Background(), createOrderCommand("corr-2"))
	require.Error(t, err)
	kerr, ok := kernel.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, kernel.KindRetryable, kerr.Kind)
	assert.Equal(t, "corr-2", kerr.CorrelationID)
	assert.Equal(t, 6, fd.callCount(), "initial attempt plus maxRetries retries")
}

// TestGateway_Submit_UnknownDomain covers domain resolution failure.
func TestGateway_Submit_UnknownDomain(t *testing.T) {
	gw := gateway.New(map[string]gateway.Domain{}, nil)

	_, err := gw.Submit(context.Background(), createOrderCommand("corr-3"))
	require.Error(t, err)
	kerr, ok := kernel.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, kernel.KindNotFound, kerr.Kind)
}

// TestGateway_Submit_RejectsMalformedCommand covers the sanitizeCommand
// boundary check, which runs before domain resolution or correlation-ID
// synthesis.
func TestGateway_Submit_RejectsMalformedCommand(t *testing.T) {
	gw := gateway.New(map[string]gateway.Domain{}, nil)

	_, err := gw.Submit(context.Background(), kernel.CommandBook{Cover: kernel.Cover{Domain: "order"}})
	require.Error(t, err)
	kerr, ok := kernel.AsKernelError(err)
	require.True(t, ok)
	assert.Equal(t, kernel.KindRejected, kerr.Kind)
}
