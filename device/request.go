package device

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-tcpdev/internal/pool"
	"github.com/arloliu/go-tcpdev/pattern"
	"github.com/google/uuid"
)

// pendingRequest is a request waiting for a matching chunk.
type pendingRequest struct {
	id       string
	expected pattern.Matcher
	failure  pattern.Matcher
	result   chan requestResult // buffered, receives exactly one result
	settled  atomic.Bool
}

type requestResult struct {
	match pattern.Match
	err   error
}

// offer tests chunk against the patterns of r and settles r on a match.
// It returns true if r is settled.
func (r *pendingRequest) offer(chunk []byte) bool {
	if r.settled.Load() {
		return true
	}

	if m, ok := r.expected.Match(chunk); ok {
		return r.settle(requestResult{match: m})
	}

	if r.failure != nil {
		if m, ok := r.failure.Match(chunk); ok {
			return r.settle(requestResult{err: &FailureError{Match: m}})
		}
	}

	return false
}

func (r *pendingRequest) settle(res requestResult) bool {
	if r.settled.CompareAndSwap(false, true) {
		r.result <- res
	}

	return true
}

// correlate offers a post-pipeline chunk to every pending request.
// Chunks are never consumed, one chunk may settle several requests.
func (d *Device) correlate(chunk []byte) {
	d.requests.Range(func(id string, req *pendingRequest) bool {
		if req.offer(chunk) {
			d.requests.Delete(id)
		}

		return true
	})
}

// Send writes command to the device and returns once it was written.
//
// The write is bounded by the response timeout and by ctx. It returns ErrNotConnected
// if the device is not connected. Send does not wait for a response.
func (d *Device) Send(ctx context.Context, command []byte) error {
	conn := d.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	deadline := time.Now().Add(d.cfg.ResponseTimeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetWriteDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = conn.SetWriteDeadline(time.Now()) })
	defer stop()

	n, err := conn.Write(command)
	d.metrics.addBytesSent(n)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		return fmt.Errorf("write command: %w", err)
	}

	d.logger.Debug("command sent", "size", n)

	return nil
}

// SendString writes command to the device, see Send.
func (d *Device) SendString(ctx context.Context, command string) error {
	return d.Send(ctx, []byte(command))
}

// Request sends command and waits for the first chunk that matches expected.
//
// Every chunk received after the request was registered is tested; a chunk matching
// expected returns its match, otherwise a chunk matching failure, if not nil, returns a
// *FailureError. Non-matching chunks are ignored. Chunks are matched one by one, a
// response split over several chunks is not reassembled unless a parser frames it.
//
// Request returns an error wrapping ErrResponseTimeout if nothing matched within the
// response timeout, the Send error if the command could not be written, or the ctx error.
func (d *Device) Request(ctx context.Context, command []byte, expected, failure pattern.Matcher) (pattern.Match, error) {
	if expected == nil {
		return nil, ErrNilMatcher
	}

	timeout := d.cfg.ResponseTimeout()
	req := &pendingRequest{
		id:       uuid.NewString(),
		expected: expected,
		failure:  failure,
		result:   make(chan requestResult, 1),
	}

	d.requests.Store(req.id, req)
	d.metrics.incRequestCount()
	d.metrics.incRequestInflightCount()
	defer func() {
		d.requests.Delete(req.id)
		d.metrics.decRequestInflightCount()
	}()

	timer := pool.GetTimer(timeout)
	defer pool.PutTimer(timer)

	if err := d.Send(ctx, command); err != nil {
		req.settled.Store(true)
		return nil, err
	}

	select {
	case res := <-req.result:
		return d.requestResult(res)

	case <-timer.C:
		if req.settled.CompareAndSwap(false, true) {
			d.metrics.incRequestTimeoutCount()
			d.logger.Debug("request timeout", "request_id", req.id, "timeout", timeout)

			return nil, fmt.Errorf("%w: no matching response within %s", ErrResponseTimeout, timeout)
		}

		return d.requestResult(<-req.result)

	case <-ctx.Done():
		if req.settled.CompareAndSwap(false, true) {
			return nil, ctx.Err()
		}

		return d.requestResult(<-req.result)
	}
}

// RequestString sends command and waits for a chunk matching the regular expression
// expected, or failure if it is not empty. See Request.
func (d *Device) RequestString(ctx context.Context, command, expected, failure string) (pattern.Match, error) {
	expectedMatcher, err := pattern.Compile(expected)
	if err != nil {
		return nil, err
	}

	var failureMatcher pattern.Matcher
	if failure != "" {
		failureMatcher, err = pattern.Compile(failure)
		if err != nil {
			return nil, err
		}
	}

	return d.Request(ctx, []byte(command), expectedMatcher, failureMatcher)
}

func (d *Device) requestResult(res requestResult) (pattern.Match, error) {
	var failErr *FailureError
	if errors.As(res.err, &failErr) {
		d.metrics.incRequestFailureCount()
	}

	return res.match, res.err
}
