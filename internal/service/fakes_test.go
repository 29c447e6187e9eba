package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/meridian/internal/chain"
	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
)

var (
	creator  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob      = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	guardian = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	oracle   = common.HexToAddress("0x000000000000000000000000000000000000000e")
)

func e18(n uint64) uint256.Int {
	var x uint256.Int
	x.Mul(uint256.NewInt(n), uint256.NewInt(1_000_000_000_000_000_000))
	return x
}

// memDecisions implements domain.DecisionStore and domain.EventStore.
type memDecisions struct {
	mu       sync.Mutex
	recs     map[uint64]domain.DecisionRecord
	events   []domain.Event
	saves    int
	failSave error
}

func newMemDecisions() *memDecisions {
	return &memDecisions{recs: make(map[uint64]domain.DecisionRecord)}
}

func (m *memDecisions) Save(_ context.Context, rec domain.DecisionRecord, events []domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave != nil {
		return m.failSave
	}
	if prev, ok := m.recs[rec.ID]; ok {
		rec.ArchivePath = prev.ArchivePath
	}
	rec.State = append([]byte(nil), rec.State...)
	rec.UpdatedAt = time.Now()
	m.recs[rec.ID] = rec
	m.events = append(m.events, events...)
	m.saves++
	return nil
}

func (m *memDecisions) MaxID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out uint64
	for id := range m.recs {
		out = max(out, id)
	}
	return out, nil
}

func (m *memDecisions) Get(_ context.Context, id uint64) (domain.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.DecisionRecord{}, fmt.Errorf("mem: decision %d: %w", id, domain.ErrNotFound)
	}
	return rec, nil
}

func (m *memDecisions) sorted() []domain.DecisionRecord {
	out := make([]domain.DecisionRecord, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memDecisions) List(_ context.Context, opts domain.ListOpts) ([]domain.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted()
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	return page(all, opts), nil
}

func (m *memDecisions) ListAll(_ context.Context) ([]domain.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sorted(), nil
}

func (m *memDecisions) ListUnarchived(_ context.Context, status domain.Status) ([]domain.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.DecisionRecord
	for _, rec := range m.sorted() {
		if rec.Status == status && rec.ArchivePath == "" {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memDecisions) MarkArchived(_ context.Context, id uint64, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.ErrNotFound
	}
	rec.ArchivePath = path
	m.recs[id] = rec
	return nil
}

func (m *memDecisions) ListByDecision(_ context.Context, id uint64, opts domain.ListOpts) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.DecisionID == id {
			out = append(out, e)
		}
	}
	return page(out, opts), nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset >= len(items) {
		return nil
	}
	items = items[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(_ context.Context, _ domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

type memWelfare struct {
	mu     sync.Mutex
	points map[uint64]map[int]domain.WelfarePoint
	reads  int
}

func (m *memWelfare) SetWelfare(_ context.Context, id uint64, p domain.WelfarePoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.points[id] == nil {
		m.points[id] = make(map[int]domain.WelfarePoint)
	}
	m.points[id][p.ProposalID] = p
	return nil
}

func (m *memWelfare) GetWelfare(_ context.Context, id uint64) ([]domain.WelfarePoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if len(m.points[id]) == 0 {
		return nil, domain.ErrNotFound
	}
	out := make([]domain.WelfarePoint, 0, len(m.points[id]))
	for _, p := range m.points[id] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProposalID < out[j].ProposalID })
	return out, nil
}

func (m *memWelfare) Invalidate(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, id)
	return nil
}

type memLocks struct {
	mu       sync.Mutex
	acquired []string
	held     map[string]bool
	// beforeGrant runs once, on the next Acquire, before the lock is handed
	// out. It stands in for another caller that got the lock first.
	beforeGrant func(key string)
}

func (m *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	if m.held[key] {
		m.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", key, domain.ErrLockHeld)
	}
	m.acquired = append(m.acquired, key)
	hook := m.beforeGrant
	m.beforeGrant = nil
	m.mu.Unlock()

	if hook != nil {
		hook(key)
	}
	return func() {}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string]int
	stream    int
}

func (m *memBus) Publish(_ context.Context, channel string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[channel]++
	return nil
}

func (m *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (m *memBus) StreamAppend(_ context.Context, _ string, _ []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream++
	return nil
}

func (m *memBus) StreamRead(_ context.Context, _ string, _ string, _ int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type memNotifier struct {
	mu  sync.Mutex
	got []domain.EventType
}

func (m *memNotifier) NotifyEvent(_ context.Context, e domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, e.Type)
	return nil
}

func (m *memNotifier) types() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.EventType(nil), m.got...)
}

type fixture struct {
	svc       *DecisionService
	clock     *chain.ManualClock
	oracles   *chain.Registry
	decisions *memDecisions
	audit     *memAudit
	welfare   *memWelfare
	locks     *memLocks
	bus       *memBus
	notifier  *memNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:     chain.NewManualClock(100),
		oracles:   chain.NewRegistry(nil),
		decisions: newMemDecisions(),
		audit:     &memAudit{},
		welfare:   &memWelfare{points: make(map[uint64]map[int]domain.WelfarePoint)},
		locks:     &memLocks{held: make(map[string]bool)},
		bus:       &memBus{published: make(map[string]int)},
		notifier:  &memNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.svc = NewDecisionService(
		decision.NewEngine(decision.DefaultParams()),
		f.clock, f.oracles, f.decisions, f.decisions, f.audit, logger,
	).
		WithWelfareCache(f.welfare).
		WithLocks(f.locks).
		WithSignalBus(f.bus).
		WithNotifier(f.notifier)
	return f
}

// open creates a decision at block 100 with a deadline at 200 and the given
// number of proposals.
func (f *fixture) open(t *testing.T, proposals int, o *decision.OracleParams) uint64 {
	t.Helper()
	d, err := f.svc.Create(context.Background(), creator, decision.CreateRequest{
		Title:            "Which roadmap?",
		DurationBlocks:   100,
		VirtualLiquidity: e18(100),
		Oracle:           o,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < proposals; i++ {
		if _, err := f.svc.AddProposal(context.Background(), d.ID, creator, fmt.Sprintf("proposal %d", i)); err != nil {
			t.Fatalf("add proposal: %v", err)
		}
	}
	return d.ID
}
