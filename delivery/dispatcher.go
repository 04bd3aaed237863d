package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sarbajit-2004/llm-code-deploy/sre"
)

// Report is passed to the Dispatcher's result callback once per finished
// notification.
type Report struct {
	Key          string
	Endpoint     string
	Notification sre.Notification
	Result       Result
	Err          error
}

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("delivery: dispatcher stopped")

// Dispatcher delivers notifications on a fixed pool of workers. A
// transiently failed attempt is re-queued by a timer, so no worker sleeps
// through a backoff.
type Dispatcher struct {
	client   *Client
	workers  int
	onResult func(Report)

	queue  chan Attempt
	closed chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	active  map[string]struct{}
	timers  map[string]*time.Timer
	started bool
	stopped bool
	cancel  context.CancelFunc
	ctx     context.Context
}

// NewDispatcher returns a stopped dispatcher; call Start. onResult may be nil.
func NewDispatcher(client *Client, workers int, onResult func(Report)) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if onResult == nil {
		onResult = func(Report) {}
	}
	return &Dispatcher{
		client:   client,
		workers:  workers,
		onResult: onResult,
		queue:    make(chan Attempt, workers*4),
		closed:   make(chan struct{}),
		active:   make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Start launches the workers. Cancelling ctx has the same effect as Stop
// on in-flight attempts: they stay Pending in the ledger.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	d.ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

// Submit records n as Pending and queues it. Submitting a key that is
// already in flight is a no-op.
func (d *Dispatcher) Submit(ctx context.Context, endpoint string, n *sre.Notification) error {
	a, err := d.client.begin(ctx, endpoint, n)
	if err != nil {
		return err
	}
	if !d.claim(a.Key) {
		return d.stoppedErr()
	}
	if err := d.client.ledger.Put(ctx, a); err != nil {
		d.release(a.Key)
		return sre.WrapError(sre.KindStoreUnavailable, "SRE-DELIVERY-004", "record pending attempt", err)
	}
	return d.enqueue(ctx, a)
}

// Resume re-queues every Pending attempt in the ledger, honouring each
// attempt's NextRetryAt. It returns the number of attempts scheduled.
func (d *Dispatcher) Resume(ctx context.Context) (int, error) {
	pending, err := d.client.ledger.List(ctx)
	if err != nil {
		return 0, sre.WrapError(sre.KindStoreUnavailable, "SRE-DELIVERY-004", "list pending attempts", err)
	}
	now := d.client.clock()
	n := 0
	for _, a := range pending {
		if a.Outcome != Pending || !d.claim(a.Key) {
			continue
		}
		d.schedule(a, a.NextRetryAt.Sub(now))
		n++
	}
	return n, nil
}

// Stop cancels in-flight attempts, drops scheduled retries and waits for the
// workers to exit. Unfinished attempts remain Pending in the ledger for a
// later Resume.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.stopped = true
	close(d.closed)
	for k, t := range d.timers {
		t.Stop()
		delete(d.timers, k)
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) stoppedErr() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	return nil
}

// claim marks key active. It reports false if the key is already in flight
// or the dispatcher is stopped.
func (d *Dispatcher) claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if _, ok := d.active[key]; ok {
		return false
	}
	d.active[key] = struct{}{}
	return true
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	delete(d.active, key)
	delete(d.timers, key)
	d.mu.Unlock()
}

// runDone is nil until Start, so selecting on it blocks.
func (d *Dispatcher) runDone() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx == nil {
		return nil
	}
	return d.ctx.Done()
}

func (d *Dispatcher) enqueue(ctx context.Context, a Attempt) error {
	select {
	case d.queue <- a:
		return nil
	case <-d.closed:
		return ErrStopped
	case <-d.runDone():
		return context.Canceled
	case <-ctx.Done():
		d.release(a.Key)
		return ctx.Err()
	}
}

func (d *Dispatcher) schedule(a Attempt, delay time.Duration) {
	if delay <= 0 {
		go func() { _ = d.enqueue(context.Background(), a) }()
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.timers[a.Key] = time.AfterFunc(delay, func() {
		select {
		case <-d.closed:
			return
		default:
			_ = d.enqueue(context.Background(), a)
		}
	})
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.closed:
			return
		case <-d.ctx.Done():
			return
		case a := <-d.queue:
			d.run(a)
		}
	}
}

func (d *Dispatcher) run(a Attempt) {
	res, retry, err := d.client.step(d.ctx, &a)
	if retry > 0 {
		d.client.logger.Printf("delivery: key=%s attempt %d failed (%s); retrying in %s", a.Key, a.AttemptCount, a.LastError, retry)
		d.schedule(a, retry)
		return
	}
	if res.Outcome == Pending && d.ctx.Err() != nil {
		// Stopped mid-attempt; the ledger keeps it for Resume.
		return
	}
	d.release(a.Key)
	d.onResult(Report{
		Key:          a.Key,
		Endpoint:     a.Endpoint,
		Notification: a.Notification,
		Result:       res,
		Err:          err,
	})
}
