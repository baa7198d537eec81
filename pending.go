package mcplsp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// pendingRequests correlates outbound request IDs with their callers. Every entry owns
// its own timer, so one request timing out never touches another.
type pendingRequests struct {
	mu       sync.Mutex
	requests map[ID]*pendingRequest
}

type pendingRequest struct {
	method  string
	results chan pendingResult
	timer   *time.Timer
}

type pendingResult struct {
	msg Message
	err error
}

// requester issues requests over one transport and waits for their responses. The
// client and every server connection own one each, keeping the two directions' ID
// spaces apart.
type requester struct {
	transport Transport
	pending   *pendingRequests
	timeout   time.Duration
	logger    *slog.Logger

	nextID atomic.Int64
}

const cancelRequestMethod = "$/cancelRequest"

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		requests: make(map[ID]*pendingRequest),
	}
}

// add registers id and returns the channel its single result is delivered on. A
// non-positive timeout disables the timer.
func (p *pendingRequests) add(id ID, method string, timeout time.Duration) <-chan pendingResult {
	req := &pendingRequest{
		method:  method,
		results: make(chan pendingResult, 1),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests[id] = req
	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			p.expire(id, req, timeout)
		})
	}
	return req.results
}

// resolve delivers a response to its caller. It reports false, without side effects,
// when no request with that ID is pending.
func (p *pendingRequests) resolve(msg Message) bool {
	p.mu.Lock()
	req, ok := p.requests[msg.ID]
	if ok {
		delete(p.requests, msg.ID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	req.stop()
	req.results <- pendingResult{msg: msg}
	return true
}

// remove forgets id without delivering anything.
func (p *pendingRequests) remove(id ID) bool {
	p.mu.Lock()
	req, ok := p.requests[id]
	if ok {
		delete(p.requests, id)
	}
	p.mu.Unlock()
	if ok {
		req.stop()
	}
	return ok
}

// rejectAll fails every pending request with err and reports how many there were.
func (p *pendingRequests) rejectAll(err error) int {
	p.mu.Lock()
	reqs := p.requests
	p.requests = make(map[ID]*pendingRequest)
	p.mu.Unlock()

	for _, req := range reqs {
		req.stop()
		req.results <- pendingResult{err: err}
	}
	return len(reqs)
}

func (p *pendingRequests) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *pendingRequests) expire(id ID, req *pendingRequest, timeout time.Duration) {
	p.mu.Lock()
	// The entry may have been resolved, or replaced, while the timer was firing.
	if p.requests[id] != req {
		p.mu.Unlock()
		return
	}
	delete(p.requests, id)
	p.mu.Unlock()

	req.results <- pendingResult{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, req.method, timeout)}
}

func (r *pendingRequest) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

func newRequester(transport Transport, timeout time.Duration, logger *slog.Logger) *requester {
	return &requester{
		transport: transport,
		pending:   newPendingRequests(),
		timeout:   timeout,
		logger:    logger,
	}
}

// call sends a request and waits for its result. A response carrying an error is
// returned as *Error. When ctx is done first, the entry is dropped and the peer is told
// to cancel the request.
func (r *requester) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := NumberID(r.nextID.Add(1))
	msg, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	results := r.pending.add(id, method, r.timeout)
	if err := r.transport.Send(ctx, msg); err != nil {
		r.pending.remove(id)
		return nil, fmt.Errorf("failed to send request %s: %w", method, err)
	}

	select {
	case res := <-results:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, res.msg.Error
		}
		return res.msg.Result, nil
	case <-ctx.Done():
		if r.pending.remove(id) {
			r.cancel(id)
		}
		return nil, ctx.Err()
	}
}

// notify sends a notification.
func (r *requester) notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := r.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send notification %s: %w", method, err)
	}
	return nil
}

// respond answers the request id with either result or err. Errors other than *Error are
// reported as CodeInternalError with their text as data.
func (r *requester) respond(ctx context.Context, id ID, result any, err error) error {
	var msg Message
	if err != nil {
		msg, err = NewResponse(id, nil, toRPCError(err))
	} else {
		msg, err = NewResponse(id, result, nil)
		if err != nil {
			msg, err = NewResponse(id, nil, NewInternalError(err.Error()))
		}
	}
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, msg)
}

func (r *requester) cancel(id ID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.notify(ctx, cancelRequestMethod, CancelParams{ID: id}); err != nil {
		r.logger.Warn("failed to send cancel request",
			slog.String("id", id.String()), slog.String("err", err.Error()))
	}
}
