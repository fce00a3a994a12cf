package reaper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlecomte/tradefan/internal/broker"
	"github.com/mlecomte/tradefan/internal/broker/brokertest"
	"github.com/mlecomte/tradefan/internal/catalog"
	"github.com/mlecomte/tradefan/internal/config"
	"github.com/mlecomte/tradefan/internal/notify"
)

// Defaults: 4 bars of 240 minutes on the forex grid.
const reaperYAML = `
webhook:
  secret_token: x
`

func newTestReaper(t *testing.T, fakes ...*brokertest.Fake) *Reaper {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(reaperYAML), 0o600))
	store, err := config.NewStore(path)
	require.NoError(t, err)

	brokers := make(map[string]broker.Broker, len(fakes))
	for _, f := range fakes {
		brokers[f.BrokerID] = f
	}
	return New(store, broker.NewRegistry(brokers, nil), catalog.New(store.Get()), nil, logrus.New())
}

// Wednesday mid-session, far from any weekend gap.
var sweepNow = time.Date(2026, time.January, 7, 15, 0, 0, 0, time.UTC)

func pendingOrder(id string, age time.Duration) broker.PendingOrder {
	return broker.PendingOrder{
		ID:        id,
		Symbol:    "EURUSD",
		Side:      broker.SideBuy,
		Type:      broker.TypeLimit,
		CreatedAt: sweepNow.Add(-age),
	}
}

func TestSweepCancelsExpiredOrders(t *testing.T) {
	f := brokertest.New("acc1")
	f.Pending = []broker.PendingOrder{
		pendingOrder("old", 30*time.Hour),  // well past 4 closed 4h bars
		pendingOrder("fresh", 2*time.Hour), // creation bar closed, far from 4
	}

	r := newTestReaper(t, f)
	r.now = func() time.Time { return sweepNow }

	n := r.Sweep(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, f.Cancelled)
}

func TestSweepSkipsAgeUnknownOrders(t *testing.T) {
	f := brokertest.New("acc1")
	f.Pending = []broker.PendingOrder{
		{ID: "mystery", Symbol: "EURUSD"}, // zero CreatedAt
	}

	r := newTestReaper(t, f)
	r.now = func() time.Time { return sweepNow }

	assert.Equal(t, 0, r.Sweep(context.Background()))
	assert.Empty(t, f.Cancelled)
}

func TestSweepWeekendDoesNotAgeOrders(t *testing.T) {
	f := brokertest.New("acc1")
	// Placed Friday 20:00, swept Sunday evening: wall-clock age is two
	// days but almost no market bars have closed.
	created := time.Date(2026, time.January, 9, 20, 0, 0, 0, time.UTC)
	f.Pending = []broker.PendingOrder{{
		ID: "weekend", Symbol: "EURUSD", CreatedAt: created,
	}}

	r := newTestReaper(t, f)
	r.now = func() time.Time { return time.Date(2026, time.January, 11, 21, 0, 0, 0, time.UTC) }

	assert.Equal(t, 0, r.Sweep(context.Background()))
}

func TestSweepListErrorSkipsAccount(t *testing.T) {
	bad := brokertest.New("bad")
	bad.ErrPending = errors.New("boom")
	good := brokertest.New("good")
	good.Pending = []broker.PendingOrder{pendingOrder("old", 30 * time.Hour)}

	r := newTestReaper(t, bad, good)
	r.now = func() time.Time { return sweepNow }

	assert.Equal(t, 1, r.Sweep(context.Background()))
	assert.Equal(t, []string{"old"}, good.Cancelled)
}

func TestSweepCancelFailureTolerated(t *testing.T) {
	f := brokertest.New("acc1")
	f.ErrCancel = errors.New("timeout")
	f.Pending = []broker.PendingOrder{pendingOrder("old", 30 * time.Hour)}

	r := newTestReaper(t, f)
	r.now = func() time.Time { return sweepNow }

	assert.Equal(t, 0, r.Sweep(context.Background()))
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *sinkRecorder) Send(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sinkRecorder) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

func TestSweepCancelFailureNotifies(t *testing.T) {
	f := brokertest.New("acc1")
	f.ErrCancel = errors.New("timeout")
	f.Pending = []broker.PendingOrder{pendingOrder("old", 30 * time.Hour)}

	rec := &sinkRecorder{}
	bus, err := notify.NewBus(config.NotificationsConfig{}, logrus.New())
	require.NoError(t, err)
	bus.Attach(rec)
	bus.Start()

	r := newTestReaper(t, f)
	r.bus = bus
	r.now = func() time.Time { return sweepNow }

	r.Sweep(context.Background())
	bus.Close()

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.EventError, events[0].Type)
	assert.Equal(t, "acc1", events[0].Broker)
	assert.Contains(t, events[0].Message, "old")
}

func TestSweepSkipsDisconnectedBroker(t *testing.T) {
	f := brokertest.New("acc1")
	f.Disconnected = true
	f.Pending = []broker.PendingOrder{pendingOrder("old", 30 * time.Hour)}

	r := newTestReaper(t, f)
	r.now = func() time.Time { return sweepNow }

	assert.Equal(t, 0, r.Sweep(context.Background()))
	assert.Empty(t, f.Cancelled)
}
