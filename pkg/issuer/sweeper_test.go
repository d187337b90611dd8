package issuer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/pkg/license"
	"github.com/wardenhq/warden/pkg/store"
)

func TestSweepFlipsExpiredMachines(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	short, err := e.CreateCustomer(ctx, CreateCustomerParams{
		CompanyName: "Shortlived Inc", Tier: license.TierBasic, ValidDays: 1,
	})
	require.NoError(t, err)
	long := newCustomer(t, e, license.TierBasic)

	expired, err := e.Activate(ctx, activateParams(short.ProductKey, fpA))
	require.NoError(t, err)
	alive, err := e.Activate(ctx, activateParams(long.ProductKey, fpB))
	require.NoError(t, err)

	s := NewSweeper(e.store, discardLogger(), "")
	s.now = func() time.Time { return time.Now().AddDate(0, 0, 30) }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := e.store.GetMachine(ctx, expired.MachineID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, m.Status)

	m, err = e.store.GetMachine(ctx, alive.MachineID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, m.Status)

	// Second pass finds nothing left to flip.
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepSkipsUnreadableCertificates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	c := newCustomer(t, e, license.TierBasic)

	now := time.Now().UTC()
	require.NoError(t, e.store.CreateMachine(ctx, &store.Machine{
		ID:          "MACHINE-BADBLOB00001",
		CustomerID:  c.ID,
		Fingerprint: fpA,
		Hostname:    "edge-01",
		Certificate: "{corrupt",
		Status:      store.StatusActive,
		CreatedAt:   now,
		LastSeen:    now,
	}))

	s := NewSweeper(e.store, discardLogger(), "")
	s.now = func() time.Time { return now.AddDate(10, 0, 0) }

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	m, err := e.store.GetMachine(ctx, "MACHINE-BADBLOB00001")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, m.Status, "unreadable rows are left alone")
}

func TestSweeperStartRejectsBadSchedule(t *testing.T) {
	e := newTestEngine(t)

	s := NewSweeper(e.store, discardLogger(), "every blue moon")
	assert.Error(t, s.Start())

	s = NewSweeper(e.store, discardLogger(), "@hourly")
	require.NoError(t, s.Start())
	s.Stop()
}
