package watcher

import (
	"sync"
	"time"
)

// debouncer holds back rapid events for the same path and merges them:
//
//	add + change    = add        (still a new file)
//	add + unlink    = nothing    (never really existed)
//	change + unlink = unlink     (the file is gone)
//	unlink + add    = change     (the file was replaced)
//
// Each path gets its own window; an unrelated path never delays another.
type debouncer struct {
	window time.Duration
	emit   func(Event)

	mu      sync.Mutex
	pending map[string]*pendingEvent
	stopped bool
}

type pendingEvent struct {
	event Event
	timer *time.Timer
}

func newDebouncer(window time.Duration, emit func(Event)) *debouncer {
	return &debouncer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*pendingEvent),
	}
}

func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	// Directory events carry no content and pass through immediately.
	if ev.Kind == KindAddDir || ev.Kind == KindUnlinkDir {
		go d.emit(ev)
		return
	}

	if p, ok := d.pending[ev.Path]; ok {
		merged, drop := coalesce(p.event.Kind, ev)
		if drop {
			p.timer.Stop()
			delete(d.pending, ev.Path)
			return
		}
		p.event = merged
		p.timer.Reset(d.window)
		return
	}

	p := &pendingEvent{event: ev}
	p.timer = time.AfterFunc(d.window, func() { d.flush(ev.Path) })
	d.pending[ev.Path] = p
}

// coalesce merges a new event into the pending kind. drop means the pair
// cancelled out.
func coalesce(pending Kind, next Event) (Event, bool) {
	switch pending {
	case KindAdd:
		switch next.Kind {
		case KindChange:
			next.Kind = KindAdd
			return next, false
		case KindUnlink:
			return Event{}, true
		}
	case KindChange:
		// change + change and change + unlink both keep the newest.
	case KindUnlink:
		if next.Kind == KindAdd {
			next.Kind = KindChange
			return next, false
		}
	}
	return next, false
}

func (d *debouncer) flush(path string) {
	d.mu.Lock()
	p, ok := d.pending[path]
	if ok {
		delete(d.pending, path)
	}
	stopped := d.stopped
	d.mu.Unlock()

	if !ok || stopped {
		return
	}
	d.emit(p.event)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	for _, p := range d.pending {
		p.timer.Stop()
	}
	d.pending = make(map[string]*pendingEvent)
}
