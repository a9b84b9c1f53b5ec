package coinslot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/config"
	"github.com/Djnirds1984/NEXUS-PISOWIFI-sub001/internal/models"
	"go.uber.org/zap"
)

const (
	deviceA = "aa:bb:cc:00:00:01"
	deviceB = "aa:bb:cc:00:00:02"
)

// fakeApplier records credit calls; fails when shouldFail is set.
// onApply, when set, runs mid-credit to model work racing the fold.
type fakeApplier struct {
	mu         sync.Mutex
	calls      []float64
	shouldFail bool
	onApply    func()
}

func (f *fakeApplier) ApplyCredit(ctx context.Context, deviceID string, pesos float64, address string) (*models.SessionModel, error) {
	if f.onApply != nil {
		f.onApply()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail {
		return nil, errors.New("store unavailable")
	}
	f.calls = append(f.calls, pesos)
	return &models.SessionModel{DeviceID: deviceID, PaidAmount: pesos, Active: true}, nil
}

func testCoinslotConfig() config.CoinslotConfig {
	return config.CoinslotConfig{
		PesoPerPulse:      1,
		OrphanPulsePolicy: "discard",
		HoldTimeoutSec:    120,
		PulseBuffer:       8,
	}
}

func newTestService(cfg config.CoinslotConfig) (*Service, chan Pulse, *fakeApplier) {
	pulses := make(chan Pulse, cfg.PulseBuffer)
	applier := &fakeApplier{}
	svc := NewService(cfg, applier, pulses, zap.NewNop())
	return svc, pulses, applier
}

// drain feeds queued pulses through the consumer loop synchronously.
func drain(svc *Service, pulses chan Pulse) {
	for {
		select {
		case p := <-pulses:
			svc.ingest(p)
		default:
			return
		}
	}
}

func TestAcquireIsExclusive(t *testing.T) {
	svc, _, _ := newTestService(testCoinslotConfig())

	ok, err := svc.Acquire(deviceA, "10.0.0.1")
	if err != nil || !ok {
		t.Fatalf("first Acquire = %v, %v", ok, err)
	}
	ok, err = svc.Acquire(deviceB, "10.0.0.2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if ok {
		t.Error("second device must not take a held slot")
	}
	// Same holder re-acquires fine.
	ok, _ = svc.Acquire(deviceA, "10.0.0.1")
	if !ok {
		t.Error("holder re-acquire must succeed")
	}
}

func TestPulsesAccumulateForHolder(t *testing.T) {
	svc, pulses, _ := newTestService(testCoinslotConfig())
	svc.Acquire(deviceA, "")

	for i := 0; i < 5; i++ {
		pulses <- Pulse{At: time.Now()}
	}
	drain(svc, pulses)

	pending, err := svc.Peek(deviceA)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if pending != 5 {
		t.Errorf("pending = %v, want 5", pending)
	}
	if _, err := svc.Peek(deviceB); err != ErrNotHolder {
		t.Errorf("Peek by non-holder err = %v, want ErrNotHolder", err)
	}
}

func TestPesoPerPulseIsConfigurable(t *testing.T) {
	cfg := testCoinslotConfig()
	cfg.PesoPerPulse = 5
	svc, pulses, _ := newTestService(cfg)
	svc.Acquire(deviceA, "")

	pulses <- Pulse{At: time.Now()}
	drain(svc, pulses)

	pending, _ := svc.Peek(deviceA)
	if pending != 5 {
		t.Errorf("pending = %v, want 5 (one pulse at 5 pesos)", pending)
	}
}

func TestOrphanPulsesDiscardedByDefault(t *testing.T) {
	svc, pulses, _ := newTestService(testCoinslotConfig())

	pulses <- Pulse{At: time.Now()}
	pulses <- Pulse{At: time.Now()}
	drain(svc, pulses)

	if b := svc.Bucket(); b != 0 {
		t.Errorf("bucket = %v, want 0 under discard policy", b)
	}
	svc.Acquire(deviceA, "")
	if pending, _ := svc.Peek(deviceA); pending != 0 {
		t.Errorf("orphan pulses leaked to later holder: %v", pending)
	}
}

func TestOrphanPulsesBucketedWhenConfigured(t *testing.T) {
	cfg := testCoinslotConfig()
	cfg.OrphanPulsePolicy = "bucket"
	svc, pulses, _ := newTestService(cfg)

	pulses <- Pulse{At: time.Now()}
	pulses <- Pulse{At: time.Now()}
	pulses <- Pulse{At: time.Now()}
	drain(svc, pulses)

	if b := svc.Bucket(); b != 3 {
		t.Errorf("bucket = %v, want 3", b)
	}
}

func TestInsertFoldsCreditAndFreesSlot(t *testing.T) {
	svc, pulses, applier := newTestService(testCoinslotConfig())
	svc.Acquire(deviceA, "10.0.0.1")
	pulses <- Pulse{At: time.Now()}
	pulses <- Pulse{At: time.Now()}
	drain(svc, pulses)

	m, err := svc.Insert(context.Background(), deviceA)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m.PaidAmount != 2 {
		t.Errorf("credited = %v, want 2", m.PaidAmount)
	}
	if len(applier.calls) != 1 || applier.calls[0] != 2 {
		t.Errorf("applier calls = %v, want [2]", applier.calls)
	}

	holder, pending := svc.Holder()
	if holder != "" || pending != 0 {
		t.Errorf("slot not freed: holder=%q pending=%v", holder, pending)
	}
	// Another device can claim now.
	if ok, _ := svc.Acquire(deviceB, ""); !ok {
		t.Error("slot should be free after insert")
	}
}

func TestInsertRestoresPendingOnFailure(t *testing.T) {
	svc, pulses, applier := newTestService(testCoinslotConfig())
	svc.Acquire(deviceA, "")
	pulses <- Pulse{At: time.Now()}
	drain(svc, pulses)

	applier.shouldFail = true
	if _, err := svc.Insert(context.Background(), deviceA); err == nil {
		t.Fatal("expected credit failure")
	}

	// The coin is not lost; the user can retry.
	pending, err := svc.Peek(deviceA)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %v, want restored 1", pending)
	}

	applier.shouldFail = false
	if _, err := svc.Insert(context.Background(), deviceA); err != nil {
		t.Errorf("retry Insert: %v", err)
	}
}

func TestInsertKeepsHoldWhenPulsesArriveMidCredit(t *testing.T) {
	svc, pulses, applier := newTestService(testCoinslotConfig())
	svc.Acquire(deviceA, "10.0.0.1")
	pulses <- Pulse{At: time.Now()}
	pulses <- Pulse{At: time.Now()}
	drain(svc, pulses)

	// A coin drops while the credit write is in flight.
	applier.onApply = func() {
		svc.ingest(Pulse{At: time.Now()})
	}
	m, err := svc.Insert(context.Background(), deviceA)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if m.PaidAmount != 2 {
		t.Errorf("credited = %v, want 2", m.PaidAmount)
	}

	// The late coin is not dropped: the claim stays and the residue
	// folds on the next insert.
	holder, pending := svc.Holder()
	if holder != deviceA || pending != 1 {
		t.Fatalf("holder=%q pending=%v, want %q/1", holder, pending, deviceA)
	}

	applier.onApply = nil
	if _, err := svc.Insert(context.Background(), deviceA); err != nil {
		t.Fatalf("second Insert: %v", err)
	}
	if len(applier.calls) != 2 || applier.calls[1] != 1 {
		t.Errorf("applier calls = %v, want [2 1]", applier.calls)
	}
	if holder, _ := svc.Holder(); holder != "" {
		t.Error("slot should be free once the residue folds")
	}
}

func TestInsertRequiresHolderAndPending(t *testing.T) {
	svc, _, _ := newTestService(testCoinslotConfig())

	if _, err := svc.Insert(context.Background(), deviceA); err != ErrNotHolder {
		t.Errorf("Insert without claim err = %v, want ErrNotHolder", err)
	}
	svc.Acquire(deviceA, "")
	if _, err := svc.Insert(context.Background(), deviceA); err != ErrNoPending {
		t.Errorf("Insert without coins err = %v, want ErrNoPending", err)
	}
}

func TestReleaseExpiredFreesAbandonedClaim(t *testing.T) {
	svc, pulses, _ := newTestService(testCoinslotConfig())
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	svc.Acquire(deviceA, "")
	pulses <- Pulse{At: clock}
	drain(svc, pulses)

	// Not yet expired.
	clock = clock.Add(time.Minute)
	svc.ReleaseExpired(context.Background())
	if holder, _ := svc.Holder(); holder != deviceA {
		t.Fatal("claim released too early")
	}

	clock = clock.Add(3 * time.Minute)
	svc.ReleaseExpired(context.Background())
	if holder, _ := svc.Holder(); holder != "" {
		t.Error("abandoned claim should be released")
	}
	if ok, _ := svc.Acquire(deviceB, ""); !ok {
		t.Error("slot should be claimable after expiry")
	}
}

func TestPulseRefreshesHold(t *testing.T) {
	svc, pulses, _ := newTestService(testCoinslotConfig())
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	svc.Acquire(deviceA, "")
	clock = clock.Add(90 * time.Second)
	pulses <- Pulse{At: clock}
	drain(svc, pulses)

	// 90s since claim but only just since the last coin.
	clock = clock.Add(90 * time.Second)
	svc.ReleaseExpired(context.Background())
	if holder, _ := svc.Holder(); holder != deviceA {
		t.Error("active coin insertion must keep the hold alive")
	}
}

func TestReleaseByNonHolderFails(t *testing.T) {
	svc, _, _ := newTestService(testCoinslotConfig())
	svc.Acquire(deviceA, "")

	if err := svc.Release(deviceB); err != ErrNotHolder {
		t.Errorf("err = %v, want ErrNotHolder", err)
	}
	if err := svc.Release(deviceA); err != nil {
		t.Errorf("holder release: %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	svc, pulses, _ := newTestService(testCoinslotConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	svc.Acquire(deviceA, "")
	pulses <- Pulse{At: time.Now()}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
