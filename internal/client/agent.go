package client

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultMessageInterval = 2 * time.Second
	DefaultTypingInterval  = 3 * time.Second
	DefaultIdleTimeout     = 5 * time.Second
)

// ErrEmptyDraft is returned by Send for blank input; nothing is sent.
var ErrEmptyDraft = errors.New("empty message")

// API is the subset of Client the agent depends on.
type API interface {
	FetchMessages(ctx context.Context, sessionID int64) ([]Message, error)
	SendMessage(ctx context.Context, sessionID int64, body string) error
	SetTyping(ctx context.Context, sessionID int64, isTyping bool) error
	FetchTyping(ctx context.Context, sessionID int64) ([]string, error)
	FetchProduct(ctx context.Context, sessionID int64) (*Product, bool, error)
}

// Renderer receives view updates. RenderMessages and RenderTyping are never
// called concurrently.
type Renderer interface {
	RenderMessages(msgs []Message)
	RenderTyping(names []string)
	RenderProduct(p *Product)
	ShowError(err error)
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func systemAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// watermark identifies the newest rendered message.
type watermark struct {
	id        int64
	timestamp string
	set       bool
}

// Agent is the polling state machine of one open chat widget.
type Agent struct {
	api       API
	render    Renderer
	sessionID int64
	log       *zap.Logger

	messageEvery time.Duration
	typingEvery  time.Duration
	idleTimeout  time.Duration
	afterFunc    AfterFunc
	legacyMark   bool

	fetching atomic.Bool

	renderMu sync.Mutex
	mark     watermark
	typing   map[string]struct{}

	draftMu   sync.Mutex
	draft     string
	isTyping  bool
	idleTimer Timer
	idleGen   uint64
	baseCtx   context.Context
}

type AgentOption func(*Agent)

func WithIntervals(messages, typing time.Duration) AgentOption {
	return func(a *Agent) {
		if messages > 0 {
			a.messageEvery = messages
		}
		if typing > 0 {
			a.typingEvery = typing
		}
	}
}

func WithIdleTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.idleTimeout = d
		}
	}
}

// WithAfterFunc replaces time.AfterFunc for the typing idle timer.
func WithAfterFunc(f AfterFunc) AgentOption {
	return func(a *Agent) {
		if f != nil {
			a.afterFunc = f
		}
	}
}

// WithTimestampWatermark compares only the newest timestamp before
// re-rendering. Two different messages sharing that timestamp are missed.
func WithTimestampWatermark() AgentOption {
	return func(a *Agent) { a.legacyMark = true }
}

func WithLogger(log *zap.Logger) AgentOption {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

func NewAgent(api API, render Renderer, sessionID int64, opts ...AgentOption) *Agent {
	a := &Agent{
		api:          api,
		render:       render,
		sessionID:    sessionID,
		log:          zap.NewNop(),
		messageEvery: DefaultMessageInterval,
		typingEvery:  DefaultTypingInterval,
		idleTimeout:  DefaultIdleTimeout,
		afterFunc:    systemAfterFunc,
		typing:       map[string]struct{}{},
		baseCtx:      context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run loads the product card, then polls messages and typing on independent
// tickers until ctx is done.
func (a *Agent) Run(ctx context.Context) error {
	a.draftMu.Lock()
	a.baseCtx = ctx
	a.draftMu.Unlock()

	a.LoadProduct(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.loop(ctx, a.messageEvery, a.PollMessages)
	}()
	go func() {
		defer wg.Done()
		a.loop(ctx, a.typingEvery, a.PollTyping)
	}()
	wg.Wait()

	a.draftMu.Lock()
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	a.draftMu.Unlock()
	return ctx.Err()
}

func (a *Agent) loop(ctx context.Context, every time.Duration, poll func(context.Context) bool) {
	poll(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a slow poll delays only its own loop
			poll(ctx)
		}
	}
}

// LoadProduct renders the linked product card when there is one.
func (a *Agent) LoadProduct(ctx context.Context) {
	product, found, err := a.api.FetchProduct(ctx, a.sessionID)
	if err != nil {
		a.log.Warn("fetch product failed", zap.Int64("session_id", a.sessionID), zap.Error(err))
		return
	}
	if found {
		a.render.RenderProduct(product)
	}
}

// PollMessages fetches the recent window and re-renders when the newest
// message changed. It returns false when a fetch was already in flight and
// this tick was dropped.
func (a *Agent) PollMessages(ctx context.Context) bool {
	if !a.fetching.CompareAndSwap(false, true) {
		return false
	}
	defer a.fetching.Store(false)

	msgs, err := a.api.FetchMessages(ctx, a.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("poll messages failed", zap.Int64("session_id", a.sessionID), zap.Error(err))
		}
		return true
	}

	next := watermark{set: true}
	if len(msgs) > 0 {
		next.id = msgs[0].ID
		next.timestamp = msgs[0].Timestamp
	}

	a.renderMu.Lock()
	defer a.renderMu.Unlock()
	if a.mark.set && !a.changed(a.mark, next) {
		return true
	}
	a.mark = next
	a.render.RenderMessages(chronological(msgs))
	return true
}

func (a *Agent) changed(prev, next watermark) bool {
	if a.legacyMark {
		return prev.timestamp != next.timestamp
	}
	return prev.id != next.id || prev.timestamp != next.timestamp
}

// chronological returns msgs oldest first for display.
func chronological(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// PollTyping fetches the typing users and re-renders when the set changed.
func (a *Agent) PollTyping(ctx context.Context) bool {
	names, err := a.api.FetchTyping(ctx, a.sessionID)
	if err != nil {
		if ctx.Err() == nil {
			a.log.Warn("poll typing failed", zap.Int64("session_id", a.sessionID), zap.Error(err))
		}
		return true
	}
	next := make(map[string]struct{}, len(names))
	for _, n := range names {
		next[n] = struct{}{}
	}

	a.renderMu.Lock()
	defer a.renderMu.Unlock()
	if sameSet(a.typing, next) {
		return true
	}
	a.typing = next
	sorted := make([]string, 0, len(next))
	for n := range next {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)
	a.render.RenderTyping(sorted)
	return true
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Draft returns the current input text.
func (a *Agent) Draft() string {
	a.draftMu.Lock()
	defer a.draftMu.Unlock()
	return a.draft
}

// SetDraft replaces the input text and counts as a keystroke.
func (a *Agent) SetDraft(ctx context.Context, text string) {
	a.draftMu.Lock()
	a.draft = text
	a.draftMu.Unlock()
	a.Keystroke(ctx)
}

// Keystroke sends one typing start per burst and re-arms the idle timer. A
// blank draft does not start a burst.
func (a *Agent) Keystroke(ctx context.Context) {
	a.draftMu.Lock()
	start := !a.isTyping && strings.TrimSpace(a.draft) != ""
	if start {
		a.isTyping = true
	}
	if a.idleTimer != nil {
		a.idleTimer.Stop()
	}
	a.idleGen++
	gen := a.idleGen
	a.idleTimer = a.afterFunc(a.idleTimeout, func() { a.onIdle(gen) })
	a.draftMu.Unlock()

	if start {
		a.sendTyping(ctx, true)
	}
}

// onIdle ignores timers that were re-armed after gen was scheduled.
func (a *Agent) onIdle(gen uint64) {
	a.draftMu.Lock()
	ctx := a.baseCtx
	current := gen == a.idleGen
	a.draftMu.Unlock()
	if current {
		a.StopTyping(ctx)
	}
}

// StopTyping clears the local typing flag and tells the server once.
func (a *Agent) StopTyping(ctx context.Context) {
	a.draftMu.Lock()
	was := a.isTyping
	a.isTyping = false
	if a.idleTimer != nil {
		a.idleTimer.Stop()
		a.idleTimer = nil
	}
	a.draftMu.Unlock()

	if was {
		a.sendTyping(ctx, false)
	}
}

// IsTyping reports the local typing flag.
func (a *Agent) IsTyping() bool {
	a.draftMu.Lock()
	defer a.draftMu.Unlock()
	return a.isTyping
}

func (a *Agent) sendTyping(ctx context.Context, isTyping bool) {
	if err := a.api.SetTyping(ctx, a.sessionID, isTyping); err != nil {
		a.log.Warn("set typing failed",
			zap.Int64("session_id", a.sessionID),
			zap.Bool("is_typing", isTyping),
			zap.Error(err),
		)
		a.render.ShowError(err)
	}
}

// Send posts the current draft. The draft is cleared only after the server
// accepted it; on failure it stays for a manual retry.
func (a *Agent) Send(ctx context.Context) error {
	body := a.Draft()
	if strings.TrimSpace(body) == "" {
		return ErrEmptyDraft
	}
	if err := a.api.SendMessage(ctx, a.sessionID, body); err != nil {
		a.log.Warn("send message failed", zap.Int64("session_id", a.sessionID), zap.Error(err))
		a.render.ShowError(err)
		return err
	}

	a.draftMu.Lock()
	if a.draft == body {
		a.draft = ""
	}
	a.draftMu.Unlock()

	a.StopTyping(ctx)
	a.PollMessages(ctx)
	return nil
}
