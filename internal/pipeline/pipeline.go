// Package pipeline drives one conversation through the
// resolve-execute-publish cycle. A single worker goroutine owns the
// conversational state, so queries are strictly serialized: a query
// runs to completion (or cancellation) before the next one starts.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"geopilot/internal/catalog"
	"geopilot/internal/executor"
	"geopilot/internal/intent"
	"geopilot/internal/layer"
	"geopilot/internal/render"
)

// State is the pipeline's current phase.
type State string

const (
	StateIdle      State = "idle"
	StateResolving State = "resolving"
	StateExecuting State = "executing"
	// StatePublishing is the phase during which a successful update is
	// delivered; failed turns are delivered in StateError instead. Both
	// return to StateIdle.
	StatePublishing State = "publishing"
	StateError      State = "error"
)

// Update is the outcome of one processed query, delivered to the
// publisher.
type Update struct {
	Query    string
	Surface  string
	Results  []executor.Result
	Errors   []string
	Warnings []string

	// Snapshot is a deep copy of the visible layers after the query,
	// present whenever at least one plan executed.
	Snapshot *render.Snapshot
}

// Publisher receives updates as queries complete. Publish is called
// from the worker goroutine; implementations decide their own
// threading.
type Publisher interface {
	Publish(u Update)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(u Update)

func (f PublisherFunc) Publish(u Update) { f(u) }

// Options tunes pipeline behavior.
type Options struct {
	// QueueSize bounds pending queries; Submit fails when full.
	QueueSize int
	// HistoryTurns bounds the conversation window given to the
	// resolver.
	HistoryTurns int
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 8
	}
	if o.HistoryTurns <= 0 {
		o.HistoryTurns = 10
	}
	return o
}

// Pipeline serializes query processing for one conversation.
type Pipeline struct {
	resolver *intent.Resolver
	exec     *executor.Executor
	store    *layer.Store
	pub      Publisher
	log      *zap.Logger
	opts     Options

	queue chan string
	done  chan struct{}

	mu            sync.Mutex
	state         State
	cancelResolve context.CancelFunc
	closed        bool

	// history is touched only by the worker goroutine; lastLayer is
	// written by the worker under mu and readable via LastLayer.
	history   []intent.Turn
	lastLayer string
}

// New creates a pipeline and starts its worker.
func New(resolver *intent.Resolver, exec *executor.Executor, store *layer.Store, pub Publisher, log *zap.Logger, opts Options) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	p := &Pipeline{
		resolver: resolver,
		exec:     exec,
		store:    store,
		pub:      pub,
		log:      log,
		opts:     opts,
		queue:    make(chan string, opts.QueueSize),
		done:     make(chan struct{}),
		state:    StateIdle,
	}
	go p.run()
	return p
}

// Submit enqueues one query. It fails when the queue is full or the
// pipeline is closed. The lock is held across the closed-check and the
// send: Close closes the queue under the same lock, so the send can
// never hit a closed channel. The send is non-blocking, so holding the
// lock here cannot stall the worker.
func (p *Pipeline) Submit(query string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("pipeline is closed")
	}
	select {
	case p.queue <- query:
		return nil
	default:
		return fmt.Errorf("pipeline queue is full")
	}
}

// State returns the current phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Cancel aborts the in-flight query if it is still resolving. Once
// execution has started the query runs to completion; store writes are
// never interrupted midway.
func (p *Pipeline) Cancel() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateResolving && p.cancelResolve != nil {
		p.cancelResolve()
		return true
	}
	return false
}

// Close stops accepting queries, drains the queue and waits for the
// worker to exit.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
}

func (p *Pipeline) run() {
	defer close(p.done)
	for query := range p.queue {
		p.process(query)
	}
}

func (p *Pipeline) process(query string) {
	defer p.setState(StateIdle)

	// Resolution is cancellable; execution is not.
	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.state = StateResolving
	p.cancelResolve = cancel
	p.mu.Unlock()

	result, err := p.resolver.Resolve(ctx, query, intent.Context{
		History:   p.history,
		LastLayer: p.lastLayer,
	})

	p.mu.Lock()
	p.cancelResolve = nil
	p.mu.Unlock()
	cancel()

	update := Update{Query: query, Surface: result.Surface}
	switch {
	case err != nil:
		update.Errors = append(update.Errors, err.Error())
	case !result.Valid():
		update.Errors = append(update.Errors, result.InvalidReasons()...)
	default:
		p.setState(StateExecuting)
		update = p.execute(update, result.Plans)
	}

	if len(update.Results) > 0 {
		snap := render.Build(p.store)
		update.Snapshot = &snap
	}

	if len(update.Errors) > 0 {
		p.setState(StateError)
	} else {
		p.setState(StatePublishing)
	}
	if p.pub != nil {
		p.pub.Publish(update)
	}

	turn := intent.Turn{User: query, Surface: update.Surface}
	if len(update.Results) > 0 {
		turn.Result = update.Results[len(update.Results)-1].Output
	}
	if len(update.Errors) > 0 {
		turn.Error = update.Errors[0]
	}
	p.remember(turn)
}

// execute runs the plans in order on a detached context. The first
// failure stops the remaining plans; layers already stored stay.
func (p *Pipeline) execute(update Update, plans []catalog.Plan) Update {
	for _, plan := range plans {
		res, err := p.exec.Execute(context.Background(), plan)
		if err != nil {
			p.log.Warn("plan failed",
				zap.String("plan", plan.String()),
				zap.Error(err))
			update.Errors = append(update.Errors, fmt.Sprintf("%s: %v", plan.String(), err))
			break
		}
		update.Results = append(update.Results, res)
		update.Warnings = append(update.Warnings, res.Warnings...)
		p.mu.Lock()
		p.lastLayer = res.Output
		p.mu.Unlock()
	}
	return update
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// remember appends one turn, keeping the window bounded.
func (p *Pipeline) remember(t intent.Turn) {
	p.history = append(p.history, t)
	if len(p.history) > p.opts.HistoryTurns {
		p.history = p.history[len(p.history)-p.opts.HistoryTurns:]
	}
}

// LastLayer returns the name of the most recently produced layer.
func (p *Pipeline) LastLayer() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastLayer
}
