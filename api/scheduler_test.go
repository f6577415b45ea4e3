package api_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/compliance-engine/api"
	"github.com/warp/compliance-engine/enforcement"
	"github.com/warp/compliance-engine/fund"
	"github.com/warp/compliance-engine/store/memory"
)

func newTestScheduler(t *testing.T) (*api.EnforcementScheduler, *memory.Memory) {
	t.Helper()
	mem := memory.NewMemory()
	clock := func() time.Time { return testTime }

	ledger := fund.NewLedger(mem)
	ledger.SetClock(clock)

	meter := enforcement.NewMeter(mem, ledger)
	hub := enforcement.NewSignalHub(mem, nil, nil, nil, nil)
	hub.SetClock(clock)

	svc := enforcement.NewService(mem, mem, ledger, meter, hub, nil)
	svc.SetClock(clock)

	return api.NewEnforcementScheduler(mem, svc, hub), mem
}

func TestScheduler_Sweep_EscalatesOverdueUsers(t *testing.T) {
	// GIVEN: Two tracked users, one past the next threshold
	// WHEN: A sweep runs
	// THEN: The overdue user escalates; the current one is untouched

	sched, mem := newTestScheduler(t)
	ctx := context.Background()

	overdue := enforcement.NewComplianceState("user-overdue", testTime.Add(-49*time.Hour))
	overdue.EscalationTier = 1
	require.NoError(t, mem.PutState(ctx, overdue))

	current := enforcement.NewComplianceState("user-current", testTime.Add(-time.Hour))
	require.NoError(t, mem.PutState(ctx, current))

	sched.RunNow()

	st, err := mem.GetState(ctx, "user-overdue")
	require.NoError(t, err)
	assert.Equal(t, 2, st.EscalationTier)

	st, err = mem.GetState(ctx, "user-current")
	require.NoError(t, err)
	assert.Equal(t, 0, st.EscalationTier)
}

func TestScheduler_Sweep_Idempotent(t *testing.T) {
	// Two back-to-back sweeps at the same instant apply the crossing once.
	sched, mem := newTestScheduler(t)
	ctx := context.Background()

	st := enforcement.NewComplianceState("user-1", testTime.Add(-49*time.Hour))
	st.EscalationTier = 1
	require.NoError(t, mem.PutState(ctx, st))

	sched.RunNow()
	sched.RunNow()

	got, err := mem.GetState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.EscalationTier)

	balance, err := fund.NewLedger(mem).Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "-25", balance.String())
}

func TestScheduler_StartStop(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.SweepInterval = time.Hour

	sched.Start()
	sched.Stop()
}

func TestScheduler_Disabled_DoesNotStart(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.Enabled = false

	sched.Start()
	// Stop on a never-started scheduler must not panic or block.
	sched.Stop()
}

// Router smoke test: the scheduler-facing store also backs the HTTP API.
func TestScheduler_SweepVisibleThroughAPI(t *testing.T) {
	a := newTestAPI(t)
	a.seedState(t, 1, 49)

	ledger := fund.NewLedger(a.mem)
	meter := enforcement.NewMeter(a.mem, ledger)
	hub := enforcement.NewSignalHub(a.mem, nil, nil, nil, nil)
	svc := enforcement.NewService(a.mem, a.mem, ledger, meter, hub, nil)
	svc.SetClock(func() time.Time { return testTime })
	ledger.SetClock(func() time.Time { return testTime })
	hub.SetClock(func() time.Time { return testTime })

	api.NewEnforcementScheduler(a.mem, svc, hub).RunNow()

	rec := a.do(t, http.MethodGet, "/api/users/u1/compliance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dto := decode[api.ComplianceStateDTO](t, rec)
	assert.Equal(t, 2, dto.EscalationTier)
}
