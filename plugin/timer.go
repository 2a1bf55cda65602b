package plugin

import (
	"log"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

const (
	timerHandleKey = "_timer"
	timerEventName = "timer"
)

// scheduledTimer is one timer.performWithDelay registration
type scheduledTimer struct {
	id         int64
	delay      time.Duration
	iterations int // <= 0 repeats until cancelled
	listener   lua.LValue
	dispatcher *TaskDispatcher
	stopCh     chan struct{}
	stopped    bool
	mu         sync.Mutex
	logger     *log.Logger
	onDone     func(id int64)
}

// timerSet tracks the timers of one runtime
type timerSet struct {
	rt     *Runtime
	timers map[int64]*scheduledTimer
	nextID int64
	mu     sync.Mutex
}

func newTimerSet(rt *Runtime) *timerSet {
	return &timerSet{
		rt:     rt,
		timers: make(map[int64]*scheduledTimer),
	}
}

func (s *timerSet) add(delay time.Duration, iterations int, listener lua.LValue) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t := &scheduledTimer{
		id:         s.nextID,
		delay:      delay,
		iterations: iterations,
		listener:   listener,
		dispatcher: s.rt.dispatcher,
		stopCh:     make(chan struct{}),
		logger:     s.rt.logger,
		onDone:     s.remove,
	}
	s.timers[t.id] = t
	go t.run()
	return t.id
}

func (s *timerSet) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, id)
}

func (s *timerSet) cancel(id int64) bool {
	s.mu.Lock()
	t, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()

	if ok {
		t.Stop()
	}
	return ok
}

func (s *timerSet) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[int64]*scheduledTimer)
}

func (t *scheduledTimer) run() {
	ticker := time.NewTicker(t.delay)
	defer ticker.Stop()
	defer t.onDone(t.id)

	start := time.Now()
	for count := 1; t.iterations <= 0 || count <= t.iterations; count++ {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.fire(count, time.Since(start))
		}
	}
}

// fire hands the listener call to the runtime goroutine
func (t *scheduledTimer) fire(count int, elapsed time.Duration) {
	err := t.dispatcher.Send(RuntimeTaskFunc(func(rt *Runtime) error {
		t.mu.Lock()
		stopped := t.stopped
		t.mu.Unlock()
		if stopped {
			return nil
		}

		L := rt.State()
		event := NewEvent(L, timerEventName)
		event.RawSetString("count", lua.LNumber(count))
		event.RawSetString("time", lua.LNumber(elapsed.Milliseconds()))
		return DispatchEvent(L, t.listener, event)
	}))
	if err != nil {
		t.logger.Printf("[runtime] Timer %d dropped: %v", t.id, err)
		t.Stop()
	}
}

// Stop stops the timer. Ticks already queued are skipped.
func (t *scheduledTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
}

// [Lua] timer.performWithDelay(delay, listener [, iterations])
func (rt *Runtime) timerPerformWithDelay(L *lua.LState) int {
	delayMs := L.CheckNumber(1)
	listener := L.Get(2)
	iterations := L.OptInt(3, 1)

	if !IsListener(listener, timerEventName) {
		L.ArgError(2, "listener expected")
		return 0
	}

	delay := time.Duration(float64(delayMs) * float64(time.Millisecond))
	if delay < time.Millisecond {
		delay = time.Millisecond
	}

	id := rt.timers.add(delay, iterations, listener)

	handle := L.NewTable()
	handle.RawSetString(timerHandleKey, lua.LNumber(id))
	L.Push(handle)
	return 1
}

// [Lua] timer.cancel(handle)
func (rt *Runtime) timerCancel(L *lua.LState) int {
	handle := L.CheckTable(1)
	id, ok := handle.RawGetString(timerHandleKey).(lua.LNumber)
	if !ok {
		L.ArgError(1, "timer handle expected")
		return 0
	}

	L.Push(lua.LBool(rt.timers.cancel(int64(id))))
	return 1
}
