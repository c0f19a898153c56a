// Package debounce coalesces raw watcher notifications into logical events.
//
// Notifications for the same path inside the debounce window are merged:
//   - CREATED + MODIFIED = CREATED (file is still new)
//   - CREATED + DELETED = nothing (file never really existed)
//   - MODIFIED + DELETED = DELETED
//   - DELETED + CREATED = DELETED now, then a new CREATED window
//   - RENAMED_TO + MODIFIED = RENAMED_TO
//   - RENAMED_TO + DELETED = the rename now, then a DELETED window
//
// A RENAMED_FROM carrying a cookie waits up to the rename window for the
// RENAMED_TO with the same cookie. Matched halves become a pair sharing a
// correlation id. An unmatched RENAMED_FROM becomes DELETED and an
// unmatched RENAMED_TO becomes CREATED.
//
// The Coalescer owns no timers. The caller feeds it notifications with Add,
// arms one timer from NextDeadline, and collects expired windows with Due.
// It is not safe for concurrent use.
package debounce

import (
	"slices"
	"time"

	"github.com/listenupapp/fsjournal/internal/domain"
)

// Defaults for Options.
const (
	DefaultWindow       = 50 * time.Millisecond
	DefaultRenameWindow = 50 * time.Millisecond
)

// Options configures a Coalescer.
type Options struct {
	Window       time.Duration
	RenameWindow time.Duration

	// NewCorrelationID mints the token shared by a rename pair.
	NewCorrelationID func() string
}

type pending struct {
	path       string
	kind       domain.Kind
	isDir      domain.DirState
	observedAt time.Time
	deadline   time.Time
	order      uint64

	// Set when kind is KindRenamedTo.
	from           string
	fromIsDir      domain.DirState
	fromObservedAt time.Time
	correlationID  string
}

// half is a RENAMED_FROM waiting for its RENAMED_TO.
type half struct {
	path       string
	isDir      domain.DirState
	observedAt time.Time
	deadline   time.Time
	order      uint64

	// collapse is set when the source was created inside the window. The
	// pair then reduces to a CREATED at the destination.
	collapse bool
}

// Coalescer merges raw events per path.
type Coalescer struct {
	window       time.Duration
	renameWindow time.Duration
	newID        func() string

	pending map[string]*pending
	halves  map[uint32]*half

	// fromRefs counts unfinished renames away from a path. A newer window
	// on that path is held back until the rename is emitted.
	fromRefs map[string]int
	seq      uint64
}

// New creates a Coalescer.
func New(opts Options) *Coalescer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.RenameWindow <= 0 {
		opts.RenameWindow = DefaultRenameWindow
	}
	if opts.NewCorrelationID == nil {
		panic("debounce: NewCorrelationID is required")
	}
	return &Coalescer{
		window:       opts.Window,
		renameWindow: opts.RenameWindow,
		newID:        opts.NewCorrelationID,
		pending:      make(map[string]*pending),
		halves:       make(map[uint32]*half),
		fromRefs:     make(map[string]int),
	}
}

// Add feeds one raw event observed at now. It returns events that had to
// be finalized immediately to keep per-path order, usually none.
func (c *Coalescer) Add(ev domain.RawEvent, now time.Time) []domain.Event {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = now
	}

	switch ev.Kind {
	case domain.KindRenamedFrom:
		if ev.Cookie == 0 {
			ev.Kind = domain.KindDeleted
			return c.merge(ev, now)
		}
		return c.addFrom(ev, now)

	case domain.KindRenamedTo:
		h, ok := c.halves[ev.Cookie]
		if ev.Cookie == 0 || !ok {
			ev.Kind = domain.KindCreated
			return c.merge(ev, now)
		}
		delete(c.halves, ev.Cookie)
		return c.addTo(h, ev, now)

	case domain.KindCreated, domain.KindModified, domain.KindDeleted:
		return c.merge(ev, now)

	default:
		return nil
	}
}

func (c *Coalescer) next() uint64 {
	c.seq++
	return c.seq
}

func (c *Coalescer) addFrom(ev domain.RawEvent, now time.Time) []domain.Event {
	var out []domain.Event

	h := &half{
		path:       ev.Path,
		isDir:      ev.IsDir,
		observedAt: ev.ObservedAt,
		deadline:   now.Add(c.renameWindow),
	}

	if p, ok := c.pending[ev.Path]; ok && p.kind == domain.KindCreated {
		h.collapse = true
		h.order = p.order
		h.observedAt = p.observedAt
		if !h.isDir.Known() {
			h.isDir = p.isDir
		}
		delete(c.pending, ev.Path)
	} else if ok {
		out = c.drainThrough(p.order)
	}

	if h.order == 0 {
		h.order = c.next()
	}
	c.halves[ev.Cookie] = h
	c.fromRefs[h.path]++
	return out
}

func (c *Coalescer) addTo(h *half, ev domain.RawEvent, now time.Time) []domain.Event {
	c.release(h.path)

	var out []domain.Event
	if q, ok := c.pending[ev.Path]; ok {
		out = c.drainThrough(q.order)
	}

	isDir := ev.IsDir
	if !isDir.Known() {
		isDir = h.isDir
	}

	if h.collapse {
		c.pending[ev.Path] = &pending{
			path:       ev.Path,
			kind:       domain.KindCreated,
			isDir:      isDir,
			observedAt: h.observedAt,
			deadline:   now.Add(c.window),
			order:      h.order,
		}
		return out
	}

	fromIsDir := h.isDir
	if !fromIsDir.Known() {
		fromIsDir = isDir
	}

	c.pending[ev.Path] = &pending{
		path:           ev.Path,
		kind:           domain.KindRenamedTo,
		isDir:          isDir,
		observedAt:     ev.ObservedAt,
		deadline:       now.Add(c.window),
		order:          h.order,
		from:           h.path,
		fromIsDir:      fromIsDir,
		fromObservedAt: h.observedAt,
		correlationID:  c.newID(),
	}
	c.fromRefs[h.path]++
	return out
}

type action int

const (
	keep action = iota
	drop
	split
)

// resolve applies the merge table to an open window of kind existing.
func resolve(existing, incoming domain.Kind) (domain.Kind, action) {
	switch existing {
	case domain.KindCreated:
		if incoming == domain.KindDeleted {
			return 0, drop
		}
		return domain.KindCreated, keep
	case domain.KindModified:
		if incoming == domain.KindDeleted {
			return domain.KindDeleted, keep
		}
		return domain.KindModified, keep
	case domain.KindDeleted:
		if incoming == domain.KindCreated {
			return 0, split
		}
		return domain.KindDeleted, keep
	case domain.KindRenamedTo:
		if incoming == domain.KindDeleted {
			return 0, split
		}
		return domain.KindRenamedTo, keep
	default:
		return incoming, keep
	}
}

func (c *Coalescer) merge(ev domain.RawEvent, now time.Time) []domain.Event {
	p, ok := c.pending[ev.Path]
	if !ok {
		c.open(ev, now)
		return nil
	}

	kind, act := resolve(p.kind, ev.Kind)
	switch act {
	case drop:
		delete(c.pending, ev.Path)
		return nil
	case split:
		out := c.drainThrough(p.order)
		c.open(ev, now)
		return out
	default:
		p.kind = kind
		p.deadline = now.Add(c.window)
		if ev.IsDir.Known() {
			p.isDir = ev.IsDir
		}
		return nil
	}
}

func (c *Coalescer) open(ev domain.RawEvent, now time.Time) {
	c.pending[ev.Path] = &pending{
		path:       ev.Path,
		kind:       ev.Kind,
		isDir:      ev.IsDir,
		observedAt: ev.ObservedAt,
		deadline:   now.Add(c.window),
		order:      c.next(),
	}
}

func (c *Coalescer) release(path string) {
	if c.fromRefs[path] <= 1 {
		delete(c.fromRefs, path)
		return
	}
	c.fromRefs[path]--
}

func (c *Coalescer) blocked(path string) bool {
	return c.fromRefs[path] > 0
}

// drainThrough finalizes every open window that started at or before
// order, oldest first.
func (c *Coalescer) drainThrough(order uint64) []domain.Event {
	var windows []*pending
	for _, p := range c.pending {
		if p.order <= order {
			windows = append(windows, p)
		}
	}
	slices.SortFunc(windows, func(a, b *pending) int { return compareOrder(a.order, b.order) })

	var out []domain.Event
	for _, p := range windows {
		out = append(out, c.finalize(p)...)
	}
	return out
}

func (c *Coalescer) finalize(p *pending) []domain.Event {
	delete(c.pending, p.path)

	if p.kind != domain.KindRenamedTo || p.from == "" {
		return []domain.Event{{
			Path:       p.path,
			Kind:       p.kind,
			IsDir:      p.isDir,
			ObservedAt: p.observedAt,
			Origin:     domain.OriginLive,
		}}
	}

	c.release(p.from)
	return []domain.Event{
		{
			Path:          p.from,
			Kind:          domain.KindRenamedFrom,
			IsDir:         p.fromIsDir,
			ObservedAt:    p.fromObservedAt,
			CorrelationID: p.correlationID,
			Origin:        domain.OriginLive,
		},
		{
			Path:          p.path,
			Kind:          domain.KindRenamedTo,
			IsDir:         p.isDir,
			ObservedAt:    p.observedAt,
			CorrelationID: p.correlationID,
			Origin:        domain.OriginLive,
		},
	}
}

// candidate is an expired window or rename half, ordered by first arrival.
type candidate struct {
	order  uint64
	window *pending
	cookie uint32
	half   *half
}

func (c *Coalescer) candidates(now time.Time, all bool) []candidate {
	var cands []candidate
	for cookie, h := range c.halves {
		if all || !h.deadline.After(now) {
			cands = append(cands, candidate{order: h.order, cookie: cookie, half: h})
		}
	}
	for _, p := range c.pending {
		if all || !p.deadline.After(now) {
			cands = append(cands, candidate{order: p.order, window: p})
		}
	}
	slices.SortFunc(cands, func(a, b candidate) int { return compareOrder(a.order, b.order) })
	return cands
}

// Due returns the events whose windows have expired at now, in order of
// first arrival.
func (c *Coalescer) Due(now time.Time) []domain.Event {
	return c.collect(c.candidates(now, false), false)
}

// Flush finalizes everything regardless of deadlines. Used at shutdown and
// before re-reconciling.
func (c *Coalescer) Flush() []domain.Event {
	return c.collect(c.candidates(time.Time{}, true), true)
}

func (c *Coalescer) collect(cands []candidate, force bool) []domain.Event {
	var out []domain.Event
	for _, cand := range cands {
		if cand.half != nil {
			out = append(out, c.expireHalf(cand.cookie, cand.half)...)
			continue
		}
		if !force && c.blocked(cand.window.path) {
			continue
		}
		out = append(out, c.finalize(cand.window)...)
	}
	return out
}

// expireHalf turns a RENAMED_FROM that never found its partner into a
// DELETED. A source created inside the window leaves no trace.
func (c *Coalescer) expireHalf(cookie uint32, h *half) []domain.Event {
	delete(c.halves, cookie)
	c.release(h.path)
	if h.collapse {
		return nil
	}
	return []domain.Event{{
		Path:       h.path,
		Kind:       domain.KindDeleted,
		IsDir:      h.isDir,
		ObservedAt: h.observedAt,
		Origin:     domain.OriginLive,
	}}
}

// NextDeadline returns the earliest time Due would return something.
func (c *Coalescer) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	consider := func(t time.Time) {
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	for _, h := range c.halves {
		consider(h.deadline)
	}
	for _, p := range c.pending {
		if !c.blocked(p.path) {
			consider(p.deadline)
		}
	}
	return next, found
}

// Pending reports whether path has an open window or an unfinished rename
// away from it.
func (c *Coalescer) Pending(path string) bool {
	if _, ok := c.pending[path]; ok {
		return true
	}
	return c.blocked(path)
}

// Len returns the number of open windows and rename halves.
func (c *Coalescer) Len() int {
	return len(c.pending) + len(c.halves)
}

func compareOrder(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
