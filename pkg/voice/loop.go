package voice

import "sync"

// Executor runs posted functions one by one.
type Executor interface {
	Post(fn func())
}

// Loop is a single goroutine event loop.
// Posting never blocks, functions run in the order they were posted.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewLoop() *Loop {
	l := &Loop{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go l.run()
	return l
}

func (l *Loop) Post(fn func()) {
	select {
	case <-l.done:
		return
	default:
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
			select {
			case <-l.done:
				return
			default:
			}
		}
	}
}

// Stop drops everything not yet executed. Safe to call from the loop itself.
func (l *Loop) Stop() {
	l.once.Do(func() {
		close(l.done)
		l.mu.Lock()
		l.queue = nil
		l.mu.Unlock()
	})
}

func (l *Loop) Done() <-chan struct{} { return l.done }
