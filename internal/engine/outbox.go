package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-client-go/internal/jsonrpc"
)

type outgoing struct {
	msg     jsonrpc.Message
	headers map[string]string
	onErr   func(error)
}

// outbox serializes writes to the transport in enqueue order. Enqueue never
// blocks so the event loop is never held up by a slow peer.
type outbox struct {
	w           MessageWriter
	sendTimeout time.Duration
	log         *slog.Logger

	mu      sync.Mutex
	queue   []outgoing
	closing bool
	wake    chan struct{}
	drained chan struct{}
	stop    chan struct{}
}

func newOutbox(w MessageWriter, sendTimeout time.Duration, log *slog.Logger) *outbox {
	return &outbox{
		w:           w,
		sendTimeout: sendTimeout,
		log:         log,
		wake:        make(chan struct{}, 1),
		drained:     make(chan struct{}),
		stop:        make(chan struct{}),
	}
}

func (o *outbox) enqueue(item outgoing) {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, item)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) run() {
	defer close(o.drained)
	for {
		select {
		case <-o.stop:
			return
		default:
		}

		o.mu.Lock()
		if len(o.queue) == 0 {
			closing := o.closing
			o.mu.Unlock()
			if closing {
				return
			}
			select {
			case <-o.wake:
				continue
			case <-o.stop:
				return
			}
		}
		item := o.queue[0]
		o.queue[0] = outgoing{}
		o.queue = o.queue[1:]
		o.mu.Unlock()

		o.write(item)
	}
}

func (o *outbox) write(item outgoing) {
	ctx, cancel := context.WithTimeout(context.Background(), o.sendTimeout)
	defer cancel()

	var err error
	if hw, ok := o.w.(HeaderWriter); ok && len(item.headers) > 0 {
		err = hw.WriteMessageWithHeaders(ctx, item.msg, item.headers)
	} else {
		err = o.w.WriteMessage(ctx, item.msg)
	}
	if err == nil {
		return
	}
	if item.onErr != nil {
		item.onErr(err)
		return
	}
	o.log.Warn("engine.outbox.write.fail", slog.String("err", err.Error()))
}

// close stops accepting new items and flushes what is queued until ctx ends.
func (o *outbox) close(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}

	select {
	case <-o.drained:
		return nil
	case <-ctx.Done():
		close(o.stop)
		return ctx.Err()
	}
}
