package camera

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrUpstreamUnavailable is surfaced once the bounded reconnect attempts
	// against the camera are exhausted.
	ErrUpstreamUnavailable = errors.New("camera: upstream unavailable")
	// ErrNoFrame is surfaced to snapshot requesters when no frame arrived
	// within the snapshot wait.
	ErrNoFrame = errors.New("camera: no frame available")
)

// Subscriber is one preview reader's view of the broadcast. Frames arrive on
// C; the channel is closed when the subscriber is released or the broadcast
// shuts down. A subscriber that cannot keep up has frames dropped rather than
// backpressuring the source.
type Subscriber struct {
	C       chan []byte
	dropped uint64
}

// Dropped returns how many frames were discarded because this subscriber's
// buffer was full.
func (s *Subscriber) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Broadcaster owns a session's Source and fans its frames out to any number
// of subscribers. It opens the upstream exactly once regardless of how many
// readers attach, reconnects with bounded exponential backoff when the feed
// drops, and caches the most recent frame for snapshot requests.
type Broadcaster struct {
	src Source
	cfg Config

	mu         sync.Mutex
	subs       map[*Subscriber]struct{}
	lastFrame  []byte
	lastAt     time.Time
	err        error
	closed     bool
	firstFrame chan struct{}

	connects int // upstream connection attempts that succeeded, for tests/metrics

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func NewBroadcaster(src Source, cfg Config) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		src:        src,
		cfg:        cfg,
		subs:       make(map[*Subscriber]struct{}),
		firstFrame: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start launches the pull loop. It returns immediately; connection failures
// surface through Err and closed subscriber channels.
func (b *Broadcaster) Start() {
	go b.run()
}

func (b *Broadcaster) run() {
	defer close(b.done)
	defer b.src.Close()

	attempts := 0
	for {
		if b.ctx.Err() != nil {
			return
		}

		connectCtx, cancel := context.WithTimeout(b.ctx, b.cfg.ConnectTimeout)
		err := b.src.Connect(connectCtx)
		cancel()
		if err != nil {
			attempts++
			if attempts >= b.cfg.MaxRetries {
				b.fail(errors.Wrapf(ErrUpstreamUnavailable, "after %d attempts: %v", attempts, err))
				return
			}
			delay := b.backoff(attempts)
			log.Printf("camera: connect failed (attempt %d/%d), retrying in %v: %v",
				attempts, b.cfg.MaxRetries, delay, err)
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		b.mu.Lock()
		b.connects++
		b.mu.Unlock()

		frames, readErr := b.readLoop()
		b.src.Close()
		if b.ctx.Err() != nil {
			return
		}
		if frames > 0 {
			// A healthy connection restores the full reconnect budget.
			attempts = 0
		}
		attempts++
		if attempts >= b.cfg.MaxRetries {
			b.fail(errors.Wrapf(ErrUpstreamUnavailable, "after %d attempts: %v", attempts, readErr))
			return
		}
		delay := b.backoff(attempts)
		log.Printf("camera: feed dropped, reconnecting in %v: %v", delay, readErr)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// readLoop pulls frames until the source errors out, returning how many
// frames the connection delivered. A camera that stalls without closing the
// connection trips the read watchdog, which closes the source to unblock the
// pending read and force a reconnect.
func (b *Broadcaster) readLoop() (int, error) {
	frames := 0
	var watchdog *time.Timer
	if b.cfg.ReadTimeout > 0 {
		watchdog = time.AfterFunc(b.cfg.ReadTimeout, func() { b.src.Close() })
		defer watchdog.Stop()
	}
	for {
		if err := b.ctx.Err(); err != nil {
			return frames, err
		}
		frame, err := b.src.NextFrame()
		if err != nil {
			return frames, err
		}
		if watchdog != nil {
			watchdog.Reset(b.cfg.ReadTimeout)
		}
		frames++
		b.publish(frame)
	}
}

func (b *Broadcaster) publish(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastFrame == nil {
		close(b.firstFrame)
	}
	b.lastFrame = frame
	b.lastAt = time.Now()

	for sub := range b.subs {
		select {
		case sub.C <- frame:
		default:
			atomic.AddUint64(&sub.dropped, 1)
		}
	}
}

func (b *Broadcaster) backoff(attempt int) time.Duration {
	delay := b.cfg.BackoffBase << (attempt - 1)
	if delay > b.cfg.BackoffMax || delay <= 0 {
		delay = b.cfg.BackoffMax
	}
	return delay
}

func (b *Broadcaster) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.err = err
	b.closed = true
	for sub := range b.subs {
		close(sub.C)
		delete(b.subs, sub)
	}
	log.Printf("camera: broadcast ended: %v", err)
}

// Subscribe attaches a new reader. The returned subscriber's channel is
// closed if the upstream becomes unavailable.
func (b *Broadcaster) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		if b.err != nil {
			return nil, b.err
		}
		return nil, ErrUpstreamUnavailable
	}
	sub := &Subscriber{C: make(chan []byte, b.cfg.SubscriberBuffer)}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe detaches a reader. Detaching never disturbs the source or the
// remaining readers.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.C)
	}
}

// Snapshot returns the most recent frame, waiting up to the configured
// snapshot wait for the first frame to arrive.
func (b *Broadcaster) Snapshot() ([]byte, error) {
	b.mu.Lock()
	if b.lastFrame != nil {
		frame := b.lastFrame
		b.mu.Unlock()
		return frame, nil
	}
	if b.closed {
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrNoFrame
	}
	first := b.firstFrame
	b.mu.Unlock()

	select {
	case <-first:
		b.mu.Lock()
		frame := b.lastFrame
		b.mu.Unlock()
		return frame, nil
	case <-b.done:
		b.mu.Lock()
		err := b.err
		b.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, ErrNoFrame
	case <-time.After(b.cfg.SnapshotWait):
		return nil, ErrNoFrame
	}
}

// Subscribers returns the number of attached readers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Connects returns how many times the upstream connection was established.
func (b *Broadcaster) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// Err returns the terminal broadcast error, if any.
func (b *Broadcaster) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close tears the broadcast down: the upstream connection is released and
// every subscriber channel is closed.
func (b *Broadcaster) Close() {
	b.once.Do(func() {
		b.cancel()
		// Interrupt a pull loop blocked inside NextFrame; sources tolerate a
		// second Close from the loop's own teardown.
		b.src.Close()
		b.mu.Lock()
		b.closed = true
		for sub := range b.subs {
			close(sub.C)
			delete(b.subs, sub)
		}
		b.mu.Unlock()
		<-b.done
	})
}
