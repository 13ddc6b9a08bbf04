// ABOUTME: Shared fakes for heap coordinator tests
// ABOUTME: In-memory heap source, scripted collector and thread registry doubles

package gcheap

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/0omega/platform-dalvik/cardtable"
)

// fakeSource scripts the heap source with function fields; unset
// fields fail or return zeros.
type fakeSource struct {
	mu sync.Mutex

	allocFn func(size uint64) Ptr
	growFn  func(size uint64) Ptr

	contains map[Ptr]bool
	sizes    map[Ptr]uint64
	stats    map[StatKind]uint64

	swaps     int
	grows     int
	trims     int
	shutdowns int
	forks     int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		contains: make(map[Ptr]bool),
		sizes:    make(map[Ptr]uint64),
		stats:    make(map[StatKind]uint64),
	}
}

func (s *fakeSource) Alloc(size uint64) Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocFn == nil {
		return 0
	}
	return s.allocFn(size)
}

func (s *fakeSource) AllocAndGrow(size uint64) Ptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.growFn == nil {
		return 0
	}
	return s.growFn(size)
}

func (s *fakeSource) Contains(ptr Ptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contains[ptr]
}

func (s *fakeSource) ChunkSize(ptr Ptr) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizes[ptr]
}

func (s *fakeSource) SwapBitmaps() {
	s.mu.Lock()
	s.swaps++
	s.mu.Unlock()
}

func (s *fakeSource) Stat(kind StatKind) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats[kind]
}

func (s *fakeSource) GrowForUtilization() {
	s.mu.Lock()
	s.grows++
	s.mu.Unlock()
}

func (s *fakeSource) ScheduleTrim(delay time.Duration) {
	s.mu.Lock()
	s.trims++
	s.mu.Unlock()
}

func (s *fakeSource) StartupAfterFork() error {
	s.mu.Lock()
	s.forks++
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Shutdown() {
	s.mu.Lock()
	s.shutdowns++
	s.contains = make(map[Ptr]bool)
	s.mu.Unlock()
}

func (s *fakeSource) ThreadShutdown() {}

// fakeCollector records the phase calls the driver makes, in order.
type fakeCollector struct {
	mu    sync.Mutex
	calls []string

	beginErr error
	outcome  RefOutcome
	lastRP   RefProcessing

	freedObjects uint64
	freedBytes   uint64
}

func (c *fakeCollector) record(name string) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	c.mu.Unlock()
}

func (c *fakeCollector) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeCollector) BeginMarkStep(mode GcMode) error {
	c.record(fmt.Sprintf("begin:%d", mode))
	return c.beginErr
}

func (c *fakeCollector) MarkRoots()   { c.record("markroots") }
func (c *fakeCollector) ReMarkRoots() { c.record("remarkroots") }

func (c *fakeCollector) ScanMarked(d *Discovered)   { c.record("scan") }
func (c *fakeCollector) ReScanMarked(d *Discovered) { c.record("rescan") }

func (c *fakeCollector) ProcessReferences(rp RefProcessing) RefOutcome {
	c.mu.Lock()
	c.lastRP = rp
	c.mu.Unlock()
	c.record(fmt.Sprintf("procrefs:clear=%v", rp.ClearSoftRefs))
	return c.outcome
}

func (c *fakeCollector) SweepSystemWeaks() { c.record("sweepweaks") }

func (c *fakeCollector) SweepUnmarked(mode GcMode, concurrent bool) (uint64, uint64) {
	c.record(fmt.Sprintf("sweep:conc=%v", concurrent))
	return c.freedObjects, c.freedBytes
}

func (c *fakeCollector) FinishMarkStep()        { c.record("finish") }
func (c *fakeCollector) Verify() error          { c.record("verify"); return nil }
func (c *fakeCollector) VerifyCardTable() error { c.record("verifycards"); return nil }

// fakeThread implements Thread with observable state.
type fakeThread struct {
	mu         sync.Mutex
	status     ThreadStatus
	tracked    []Ptr
	onList     bool
	throwing   bool
	oomsThrown int
	exception  Ptr
}

func (t *fakeThread) ChangeStatus(status ThreadStatus) ThreadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.status
	t.status = status
	return old
}

func (t *fakeThread) AddTrackedAlloc(ptr Ptr) {
	t.mu.Lock()
	t.tracked = append(t.tracked, ptr)
	t.mu.Unlock()
}

func (t *fakeThread) trackedAllocs() []Ptr {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Ptr, len(t.tracked))
	copy(out, t.tracked)
	return out
}

func (t *fakeThread) OnThreadList() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onList
}

func (t *fakeThread) ThrowingOOME() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.throwing
}

func (t *fakeThread) SetThrowingOOME(v bool) {
	t.mu.Lock()
	t.throwing = v
	t.mu.Unlock()
}

func (t *fakeThread) ThrowOutOfMemory(msg string) {
	t.mu.Lock()
	t.oomsThrown++
	t.mu.Unlock()
}

func (t *fakeThread) SetException(obj Ptr) {
	t.mu.Lock()
	t.exception = obj
	t.mu.Unlock()
}

// fakeThreads implements Threads with suspend/resume counting.
type fakeThreads struct {
	mu       sync.Mutex
	self     *fakeThread
	suspends int
	resumes  int

	prio      int
	prioErr   error
	setErr    error
	policies  []SchedPolicy
	prioSets  []int
}

func (r *fakeThreads) Self() Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.self == nil {
		return nil
	}
	return r.self
}

func (r *fakeThreads) SuspendAll(reason SuspendReason) {
	r.mu.Lock()
	r.suspends++
	r.mu.Unlock()
}

func (r *fakeThreads) ResumeAll(reason SuspendReason) {
	r.mu.Lock()
	r.resumes++
	r.mu.Unlock()
}

func (r *fakeThreads) Priority() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prio, r.prioErr
}

func (r *fakeThreads) SetPriority(prio int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.setErr != nil {
		return r.setErr
	}
	r.prioSets = append(r.prioSets, prio)
	r.prio = prio
	return nil
}

func (r *fakeThreads) SetSchedPolicy(policy SchedPolicy) error {
	r.mu.Lock()
	r.policies = append(r.policies, policy)
	r.mu.Unlock()
	return nil
}

func (r *fakeThreads) counts() (suspends, resumes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.suspends, r.resumes
}

// logCapture collects log lines for format assertions.
type logCapture struct {
	mu    sync.Mutex
	lines []string
}

func (l *logCapture) logf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *logCapture) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

func (l *logCapture) contains(substr string) bool {
	for _, line := range l.all() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// testHeap builds a heap over the fakes with aborts captured instead
// of panicking.
type testHeap struct {
	h       *Heap
	source  *fakeSource
	coll    *fakeCollector
	threads *fakeThreads
	logs    *logCapture
	aborts  *logCapture
}

func newTestHeap(cfg Config) *testHeap {
	source := newFakeSource()
	coll := &fakeCollector{}
	threads := &fakeThreads{self: &fakeThread{onList: true}}
	logs := &logCapture{}
	aborts := &logCapture{}

	cfg.NewSource = func(start, max, grow uint64) (HeapSource, uint64, error) {
		return source, 0x1000, nil
	}
	cfg.NewCollector = func(HeapSource, *cardtable.Table) (Collector, error) { return coll, nil }
	cfg.Threads = threads
	cfg.Logf = logs.logf
	cfg.Abort = aborts.logf
	if cfg.MaximumSize == 0 {
		cfg.MaximumSize = 8 << 20
	}
	if cfg.StartingSize == 0 {
		cfg.StartingSize = 1 << 20
	}

	h, err := Startup(cfg)
	if err != nil {
		panic(err)
	}
	return &testHeap{h: h, source: source, coll: coll, threads: threads, logs: logs, aborts: aborts}
}
