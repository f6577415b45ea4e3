package enforcement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/store/memory"
)

// flakyNotifier fails the first failures deliveries, then succeeds.
type flakyNotifier struct {
	failures int
	calls    int
}

func (n *flakyNotifier) Notify(_ context.Context, _ string, _ int, _ string) error {
	n.calls++
	if n.calls <= n.failures {
		return errors.New("downstream unavailable")
	}
	return nil
}

func newTestHub(t *testing.T, notifier enforcement.Notifier) (*enforcement.SignalHub, *memory.Memory) {
	t.Helper()
	mem := memory.NewMemory()
	hub := enforcement.NewSignalHub(mem, nil, nil, notifier, nil)
	hub.SetClock(func() time.Time { return baseTime })
	return hub, mem
}

func TestSignalHub_Emit_DeliversAndMarksSent(t *testing.T) {
	// GIVEN: A healthy notifier
	// WHEN: Emitting a notification signal
	// THEN: The outbox row is marked sent with a delivery timestamp

	notifier := &flakyNotifier{}
	hub, mem := newTestHub(t, notifier)
	ctx := context.Background()

	hub.Emit(ctx, enforcement.Signal{
		UserID:   "user-1",
		Kind:     enforcement.SignalNotification,
		Severity: 1,
		Message:  "24h since engagement",
	})

	signals, err := mem.SignalsByUser(ctx, "user-1", baseTime.Add(-time.Minute), baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, enforcement.SignalSent, signals[0].Status)
	assert.Equal(t, 1, signals[0].Attempts)
	require.NotNil(t, signals[0].DeliveredAt)
	assert.Equal(t, 1, notifier.calls)
}

func TestSignalHub_Emit_FailureStaysPending(t *testing.T) {
	// GIVEN: A notifier that is down
	// WHEN: Emitting
	// THEN: Emit does not fail the caller; the row stays pending with
	//       the error recorded

	notifier := &flakyNotifier{failures: 100}
	hub, mem := newTestHub(t, notifier)
	ctx := context.Background()

	hub.Emit(ctx, enforcement.Signal{
		UserID: "user-1",
		Kind:   enforcement.SignalNotification,
	})

	pending, err := mem.PendingSignals(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Contains(t, pending[0].LastError, "downstream unavailable")
}

func TestSignalHub_Flush_RetriesPendingUntilDelivered(t *testing.T) {
	// GIVEN: A signal whose first delivery failed
	// WHEN: The downstream recovers and Flush runs
	// THEN: The signal is delivered and leaves the pending set

	notifier := &flakyNotifier{failures: 1}
	hub, mem := newTestHub(t, notifier)
	ctx := context.Background()

	hub.Emit(ctx, enforcement.Signal{UserID: "user-1", Kind: enforcement.SignalNotification})

	delivered, failed, err := hub.Flush(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
	assert.Zero(t, failed)

	pending, err := mem.PendingSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSignalHub_Flush_MarksFailedAfterMaxAttempts(t *testing.T) {
	// GIVEN: A permanently broken downstream
	// WHEN: Flushing until the attempt budget is spent
	// THEN: The row is marked failed and no longer retried

	notifier := &flakyNotifier{failures: 1000}
	hub, mem := newTestHub(t, notifier)
	ctx := context.Background()

	hub.Emit(ctx, enforcement.Signal{UserID: "user-1", Kind: enforcement.SignalNotification})

	var totalFailed int
	for i := 0; i < enforcement.MaxSignalAttempts; i++ {
		_, failed, err := hub.Flush(ctx, 10)
		require.NoError(t, err)
		totalFailed += failed
	}
	assert.Equal(t, 1, totalFailed, "the row is marked failed exactly once")

	pending, err := mem.PendingSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	signals, err := mem.SignalsByUser(ctx, "user-1", baseTime.Add(-time.Minute), baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, enforcement.SignalFailed, signals[0].Status)
	assert.Equal(t, enforcement.MaxSignalAttempts, signals[0].Attempts)
}

func TestSignalHub_NilCollaborator_DeliverySucceeds(t *testing.T) {
	// Unwired downstreams are not an error: the signal is recorded and
	// marked sent.
	hub, mem := newTestHub(t, nil)
	ctx := context.Background()

	hub.Emit(ctx, enforcement.Signal{UserID: "user-1", Kind: enforcement.SignalContentRelease})

	pending, err := mem.PendingSignals(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
