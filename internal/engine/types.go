package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-client-go/mcp"
	"github.com/ggoodman/mcp-client-go/mcperr"
)

// DefaultTimeout applies to operations that do not set their own.
const DefaultTimeout = 30 * time.Second

// ProgressFunc receives progress updates for a token. total is nil when the
// server did not report one.
type ProgressFunc func(token mcp.ProgressToken, progress float64, total *float64)

// Progress pairs a caller-chosen token with the callback that receives
// updates for it.
type Progress struct {
	Token    mcp.ProgressToken
	Callback ProgressFunc
}

// Operation is an immutable description of one call to make.
type Operation struct {
	Method   string
	Params   map[string]any
	Progress *Progress
	// Timeout defaults to the engine's default timeout when zero.
	Timeout time.Duration
	// Headers are passed to transports implementing HeaderWriter.
	Headers map[string]string
}

// progressRoute binds a callback to the request that registered it. owner is
// empty for routes added with RegisterProgress.
type progressRoute struct {
	owner string
	fn    ProgressFunc
}

// progressRoutes stacks routes per token; the newest registration receives
// notifications and removing it uncovers the previous one.
type progressRoutes map[string][]progressRoute

func (r progressRoutes) add(key, owner string, fn ProgressFunc) {
	r[key] = append(r[key], progressRoute{owner: owner, fn: fn})
}

func (r progressRoutes) lookup(key string) (ProgressFunc, bool) {
	routes := r[key]
	if len(routes) == 0 {
		return nil, false
	}
	return routes[len(routes)-1].fn, true
}

// remove drops the newest route for key held by owner.
func (r progressRoutes) remove(key, owner string) {
	routes := r[key]
	for i := len(routes) - 1; i >= 0; i-- {
		if routes[i].owner != owner {
			continue
		}
		routes = append(routes[:i], routes[i+1:]...)
		break
	}
	if len(routes) == 0 {
		delete(r, key)
		return
	}
	r[key] = routes
}

// Request is the bookkeeping record for an operation in flight.
type Request struct {
	ID        string
	Method    string
	BatchID   string
	StartedAt time.Time

	progressKey string
	timer       *time.Timer
	done        chan Outcome
}

// snapshot strips the engine-private fields.
func (r *Request) snapshot() Request {
	return Request{ID: r.ID, Method: r.Method, BatchID: r.BatchID, StartedAt: r.StartedAt}
}

// Outcome is what a caller receives for a single request.
type Outcome struct {
	Result json.RawMessage
	Err    *mcperr.Error
}

// BatchResult is one member's outcome within a batch.
type BatchResult struct {
	ID     string
	Method string
	Result json.RawMessage
	Err    *mcperr.Error
}

type batchOutcome struct {
	results []BatchResult
	err     *mcperr.Error
}

// batch accumulates member outcomes until none remain pending.
type batch struct {
	id        string
	order     []string
	results   map[string]BatchResult
	remaining int
	done      chan batchOutcome
}

// Pending is a handle on a submitted request.
type Pending struct {
	ID string

	e    *Engine
	done chan Outcome
}

// Wait blocks until the request resolves. If ctx ends first the request is
// cancelled with the context's error as the reason, and the cancellation
// outcome is returned.
func (p *Pending) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case o := <-p.done:
		return o.result()
	case <-ctx.Done():
	}

	_ = p.e.Cancel(p.ID, context.Cause(ctx).Error())
	select {
	case o := <-p.done:
		return o.result()
	case <-p.e.done:
		select {
		case o := <-p.done:
			return o.result()
		default:
			return nil, mcperr.Cancelled(context.Cause(ctx).Error())
		}
	}
}

func (o Outcome) result() (json.RawMessage, error) {
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Result, nil
}

// PendingBatch is a handle on a submitted batch.
type PendingBatch struct {
	ID  string
	IDs []string

	e    *Engine
	done chan batchOutcome
}

// Wait blocks until every member of the batch has resolved and returns the
// member outcomes in submission order. If ctx ends first, every member still
// pending is cancelled.
func (p *PendingBatch) Wait(ctx context.Context) ([]BatchResult, error) {
	select {
	case o := <-p.done:
		return o.unwrap()
	case <-ctx.Done():
	}

	for _, id := range p.IDs {
		_ = p.e.Cancel(id, context.Cause(ctx).Error())
	}
	select {
	case o := <-p.done:
		return o.unwrap()
	case <-p.e.done:
		select {
		case o := <-p.done:
			return o.unwrap()
		default:
			return nil, mcperr.Cancelled(context.Cause(ctx).Error())
		}
	}
}

func (o batchOutcome) unwrap() ([]BatchResult, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.results, nil
}

// progressKey normalizes a token so that 1 and 1.0 decoded from JSON map to
// the same callback.
func progressKey(token mcp.ProgressToken) string {
	switch v := token.(type) {
	case nil:
		return ""
	case string:
		return "s:" + v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("n:%d", int64(v))
		}
		return fmt.Sprintf("n:%v", v)
	case int:
		return fmt.Sprintf("n:%d", v)
	case int64:
		return fmt.Sprintf("n:%d", v)
	case json.Number:
		return "n:" + v.String()
	default:
		return fmt.Sprintf("x:%v", v)
	}
}
