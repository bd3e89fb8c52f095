// Package scheduler implements the single-threaded cooperative event
// loop described in spec.md §4.1: a priority-ordered timer queue plus
// readiness-based file-descriptor dispatch, robust to clock steps. It is
// the one locus of control flow in the daemon (spec.md §5): every other
// subsystem only runs inside a handler this scheduler invokes.
package scheduler

import (
	"container/heap"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/timewarden/timewardend/rawclock"
)

// MaxWaitClockStep is the forward/backward discrepancy between the
// expected and observed wait duration that the scheduler treats as an
// unexpected clock step (spec.md §4.1 step 5, and DESIGN NOTES' open
// question about this being a hard-coded heuristic).
const MaxWaitClockStep = 10 * time.Second

// TimeoutID identifies a queued timeout for later cancellation.
type TimeoutID int64

// TimeoutClass groups related timeouts (e.g. "poll ticks") so that
// AddTimeoutInClass can keep them separated in time from each other and
// from the class's own last dispatch.
type TimeoutClass string

// TimeoutFunc is invoked when a timeout fires. arg is the opaque value
// passed to the Add* call that scheduled it.
type TimeoutFunc func(now rawclock.Instant, arg any)

// ReadFunc is invoked when a registered descriptor becomes readable.
type ReadFunc func(fd int, arg any)

// StepObserver is notified whenever the scheduler detects (or is told
// about) a clock step, so it can re-anchor its own state. The discipline
// engine is the canonical subscriber (spec.md §4.2).
type StepObserver interface {
	NotifyStep(stepSeconds float64, known bool)
}

type timerEntry struct {
	id      TimeoutID
	target  rawclock.Instant
	class   TimeoutClass
	fn      TimeoutFunc
	arg     any
	index   int // heap index, maintained by container/heap
	running bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	return h[i].target.Seconds() < h[j].target.Seconds()
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type fdHandler struct {
	fn  ReadFunc
	arg any
}

// Scheduler is the daemon's single-threaded event loop. A value is not
// safe for concurrent use from multiple goroutines; it is meant to run
// on exactly one goroutine, matching spec.md §5's single-threaded
// concurrency model.
type Scheduler struct {
	mu sync.Mutex // guards the fields below; handlers run without it held

	queue   timerHeap
	byID    map[TimeoutID]*timerEntry
	nextID  int64
	classLastDispatch map[TimeoutClass]rawclock.Instant

	fds       map[int]fdHandler
	waitFn    func(fds []int, timeout time.Duration) ([]int, error)
	maxFDs    int

	exiting bool

	lastWakeCooked rawclock.Instant
	lastWakeRaw    rawclock.Instant
	lastWakeErr    float64

	observers []StepObserver

	log *zap.Logger
}

// New builds a Scheduler using the platform's default readiness poller
// and a generous file-descriptor table capacity.
func New() *Scheduler {
	wait := platformWait
	if wait == nil {
		wait = defaultWait
	}
	return &Scheduler{
		byID:              make(map[TimeoutID]*timerEntry),
		classLastDispatch: make(map[TimeoutClass]rawclock.Instant),
		fds:               make(map[int]fdHandler),
		waitFn:            wait,
		maxFDs:            1024,
		log:               zap.NewNop(),
	}
}

// platformWait is installed by an init() in poller_unix.go or
// poller_generic.go, whichever the build includes.
var platformWait func(fds []int, timeout time.Duration) ([]int, error)

// SetWaitFuncForTesting overrides the readiness-wait primitive, letting
// tests drive the loop without real file descriptors.
func (s *Scheduler) SetWaitFuncForTesting(f func(fds []int, timeout time.Duration) ([]int, error)) {
	s.waitFn = f
}

// SetLogger attaches a logger; Run wires the daemon's real one in.
func (s *Scheduler) SetLogger(l *zap.Logger) { s.log = l }

// Subscribe registers ob to receive NotifyStep calls.
func (s *Scheduler) Subscribe(ob StepObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, ob)
}

// RegisterReadableFD records fn to be called with arg when fd becomes
// readable. It fails if fd is already registered or the FD table is
// full, per spec.md §4.1's "fail-fast" requirement.
func (s *Scheduler) RegisterReadableFD(fd int, fn ReadFunc, arg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fds[fd]; ok {
		return fmt.Errorf("scheduler: fd %d already registered", fd)
	}
	if len(s.fds) >= s.maxFDs {
		return fmt.Errorf("scheduler: readiness set capacity (%d) exceeded", s.maxFDs)
	}
	s.fds[fd] = fdHandler{fn: fn, arg: arg}
	return nil
}

// UnregisterReadableFD removes fd's handler, if any.
func (s *Scheduler) UnregisterReadableFD(fd int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fds, fd)
}

// AddTimeoutAt schedules fn to run at (or soon after) target.
func (s *Scheduler) AddTimeoutAt(target rawclock.Instant, fn TimeoutFunc, arg any) TimeoutID {
	return s.addTimeout(target, "", fn, arg)
}

// AddTimeoutAfter schedules fn to run after delay (which must be >= 0),
// computed relative to the current raw instant.
func (s *Scheduler) AddTimeoutAfter(delay time.Duration, fn TimeoutFunc, arg any) TimeoutID {
	if delay < 0 {
		delay = 0
	}
	target := rawclock.Now().Add(delay.Seconds())
	return s.addTimeout(target, "", fn, arg)
}

// AddTimeoutInClass schedules fn at least minDelay from now, jittered by
// a factor of 1+u*randomness (u uniform in [0,1)), then pushed forward
// so it lands at least separation away from both the class's last
// dispatch and every other timeout currently queued in the same class
// (spec.md §4.1).
func (s *Scheduler) AddTimeoutInClass(minDelay, separation time.Duration, randomness float64, class TimeoutClass, fn TimeoutFunc, arg any) TimeoutID {
	u := rand.Float64()
	jitteredMin := time.Duration(float64(minDelay) * (1 + u*randomness))
	jitteredSep := time.Duration(float64(separation) * (1 + u*randomness))

	now := rawclock.Now()
	target := now.Add(jitteredMin.Seconds())

	s.mu.Lock()
	if last, ok := s.classLastDispatch[class]; ok {
		minTarget := last.Add(jitteredSep.Seconds())
		if target.Before(minTarget) {
			target = minTarget
		}
	}
	for _, e := range s.queue {
		if e.class != class {
			continue
		}
		minTarget := e.target.Add(jitteredSep.Seconds())
		if target.Before(minTarget) {
			target = minTarget
		}
	}
	s.mu.Unlock()

	return s.addTimeout(target, class, fn, arg)
}

func (s *Scheduler) addTimeout(target rawclock.Instant, class TimeoutClass, fn TimeoutFunc, arg any) TimeoutID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &timerEntry{id: TimeoutID(s.nextID), target: target, class: class, fn: fn, arg: arg}
	heap.Push(&s.queue, e)
	s.byID[e.id] = e
	return e.id
}

// CancelTimeout removes a queued timeout by identifier. It is a no-op if
// id is unknown (including a timeout that already fired, or one that is
// currently the timeout being dispatched from inside its own handler).
func (s *Scheduler) CancelTimeout(id TimeoutID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok || e.running {
		return
	}
	heap.Remove(&s.queue, e.index)
	delete(s.byID, id)
}

// LastWake returns the cooked instant, raw instant, and error bound
// captured at the most recent readiness return (spec.md §4.1, "Query
// last wake").
func (s *Scheduler) LastWake() (cooked, raw rawclock.Instant, errBound float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastWakeCooked, s.lastWakeRaw, s.lastWakeErr
}

// RequestExit asks RunLoop to return after the current drain cycle.
func (s *Scheduler) RequestExit() {
	s.mu.Lock()
	s.exiting = true
	s.mu.Unlock()
}

// CookFunc converts a raw instant to the cooked instant and the error
// bound to report via LastWake. The discipline engine supplies this;
// tests may supply the identity mapping.
type CookFunc func(raw rawclock.Instant) (cooked rawclock.Instant, errBound float64)

// RunLoop drives the main loop described in spec.md §4.1 until
// RequestExit is called. cook converts raw to cooked time for LastWake
// bookkeeping; pass nil to use raw time unmodified (tests do this).
func (s *Scheduler) RunLoop(cook CookFunc) error {
	if cook == nil {
		cook = func(raw rawclock.Instant) (rawclock.Instant, float64) { return raw, 0 }
	}

	for {
		drained, err := s.drainDue()
		if err != nil {
			return err
		}
		_ = drained

		s.mu.Lock()
		exiting := s.exiting
		s.mu.Unlock()
		if exiting {
			return nil
		}

		waitDur, hasDeadline, err := s.computeWait()
		if err != nil {
			return err
		}

		before := rawclock.Now()
		fds := s.readyFDs()
		ready, err := s.waitFn(fds, waitDur)
		if err != nil {
			return err
		}
		after := rawclock.Now()

		// A clock step is only detectable against a *timeout* expiry: if
		// the wait returned early because an fd became readable, the
		// elapsed time has no relationship to waitDur and comparing
		// against it produces a false step on ordinary I/O activity
		// (original_source/sched.c's check_current_time only runs this
		// comparison when SCH_MainLoop's select/poll returned 0, i.e. a
		// true timeout, never on an fd-ready return).
		if hasDeadline && len(ready) == 0 {
			expected := waitDur
			actual := time.Duration(after.Sub(before) * float64(time.Second))
			discrepancy := actual - expected
			if discrepancy > MaxWaitClockStep || discrepancy < -MaxWaitClockStep {
				s.notifyStep(discrepancy.Seconds(), false)
			}
		}

		cooked, errBound := cook(after)
		s.mu.Lock()
		s.lastWakeRaw = after
		s.lastWakeCooked = cooked
		s.lastWakeErr = errBound
		s.mu.Unlock()

		s.dispatchFDs(ready)
	}
}

// drainDue runs every timeout whose target has passed, strictly in
// non-decreasing target order, each to completion before the next
// starts. If more than 4x the starting queue depth fire in one drain,
// that is treated as an infinite-loop bug and is fatal (spec.md §4.1
// step 1, §8 "Scheduler invariant violation").
func (s *Scheduler) drainDue() (int, error) {
	s.mu.Lock()
	startDepth := len(s.queue)
	s.mu.Unlock()
	limit := 4 * startDepth
	if limit == 0 {
		limit = 4
	}

	dispatched := 0
	for {
		now := rawclock.Now()

		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].target.After(now) {
			s.mu.Unlock()
			break
		}
		e := heap.Pop(&s.queue).(*timerEntry)
		delete(s.byID, e.id)
		e.running = true
		if e.class != "" {
			s.classLastDispatch[e.class] = e.target
		}
		s.mu.Unlock()

		e.fn(now, e.arg)
		dispatched++

		if dispatched > limit {
			return dispatched, fmt.Errorf("scheduler: %d timeouts dispatched in one drain (limit %d) — infinite loop guard tripped", dispatched, limit)
		}
	}
	return dispatched, nil
}

func (s *Scheduler) computeWait() (time.Duration, bool, error) {
	s.mu.Lock()
	numFDs := len(s.fds)
	var head *timerEntry
	if len(s.queue) > 0 {
		head = s.queue[0]
	}
	s.mu.Unlock()

	if head == nil && numFDs == 0 {
		return 0, false, fmt.Errorf("scheduler: no timeouts and no descriptors registered — would block forever")
	}
	if head == nil {
		return -1, false, nil // infinite wait, no deadline to compare against
	}
	d := time.Duration(head.target.Sub(rawclock.Now()) * float64(time.Second))
	if d < 0 {
		d = 0
	}
	return d, true, nil
}

func (s *Scheduler) readyFDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	fds := make([]int, 0, len(s.fds))
	for fd := range s.fds {
		fds = append(fds, fd)
	}
	sort.Ints(fds)
	return fds
}

func (s *Scheduler) dispatchFDs(ready []int) {
	sort.Ints(ready)
	for _, fd := range ready {
		s.mu.Lock()
		h, ok := s.fds[fd]
		s.mu.Unlock()
		if !ok {
			continue
		}
		h.fn(fd, h.arg)
	}
}

func (s *Scheduler) notifyStep(stepSeconds float64, known bool) {
	s.mu.Lock()
	obs := append([]StepObserver(nil), s.observers...)
	s.mu.Unlock()
	for _, ob := range obs {
		ob.NotifyStep(stepSeconds, known)
	}
}

// NotifyStep lets an external caller (e.g. an operator-invoked manual
// step, or the discipline engine applying its own ApplyStepOffset)
// inform every observer, including this scheduler's own queued timeouts,
// which are shifted by stepSeconds so logical ordering survives the step
// (spec.md §4.1 "Ordering").
func (s *Scheduler) NotifyStep(stepSeconds float64, known bool) {
	s.mu.Lock()
	for _, e := range s.queue {
		e.target = e.target.Add(stepSeconds)
	}
	for class, t := range s.classLastDispatch {
		s.classLastDispatch[class] = t.Add(stepSeconds)
	}
	s.mu.Unlock()
	s.notifyStep(stepSeconds, known)
}

func defaultWait(fds []int, timeout time.Duration) ([]int, error) {
	if timeout < 0 {
		timeout = 24 * time.Hour
	}
	time.Sleep(timeout)
	return nil, nil
}
