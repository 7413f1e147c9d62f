package binder

import (
	"context"
	"sync"
)

// TxState is a LooperTx's position in the state machine spec.md §4.8
// describes: SCHEDULED -> PROCESSING -> {COMPLETE | PROCESSED -> COMPLETE
// | BLOCKING -> BLOCKED -> COMPLETE}.
type TxState int

const (
	TxScheduled TxState = iota
	TxProcessing
	TxProcessed
	TxBlocking
	TxBlocked
	TxComplete
)

func (s TxState) String() string {
	switch s {
	case TxScheduled:
		return "SCHEDULED"
	case TxProcessing:
		return "PROCESSING"
	case TxProcessed:
		return "PROCESSED"
	case TxBlocking:
		return "BLOCKING"
	case TxBlocked:
		return "BLOCKED"
	case TxComplete:
		return "COMPLETE"
	default:
		return "UNKNOWN"
	}
}

// LooperTx tracks one event-thread-handled transaction from the moment
// it's handed off by the Looper (or Ipc, for the no-dedicated-looper
// case) that observed it, through a TransactionHandler invocation, to
// completion — either directly (PROCESSED -> COMPLETE, the handler
// returned synchronously) or via an explicit Block/Complete pair for a
// handler that needs to finish on another goroutine (BLOCKING, then
// BLOCKED until Complete is called). Grounded on spec.md §4.8 and the
// teacher's TagState (InFlightFetch/Owned/InFlightCommit) state machine
// in runner.go, including its per-unit mutex-guarded transitions.
type LooperTx struct {
	mu     sync.Mutex
	state  TxState
	ipc    *Ipc
	looper *Looper // nil when dispatched directly by Ipc.HandleTransaction, with no looper to escalate
	req    *RemoteRequest
	obj    *LocalObject
	done   chan struct{}
}

func newLooperTx(ipc *Ipc, looper *Looper, obj *LocalObject, req *RemoteRequest) *LooperTx {
	return &LooperTx{
		state:  TxScheduled,
		ipc:    ipc,
		looper: looper,
		obj:    obj,
		req:    req,
		done:   make(chan struct{}),
	}
}

// State returns tx's current TxState.
func (tx *LooperTx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// run drives the transaction from SCHEDULED to a terminal state. obj's
// dispatchMu is held for run's entire duration, including the BLOCKED
// wait, so at most one transaction is ever mid-handler against obj at a
// time — the spec's "serialized observation" guarantee — while a
// different LocalObject is free to run concurrently on another Looper.
//
// If the handler returns without calling Block, run completes the
// transaction itself and returns. If the handler calls Block, run
// instead waits for some other goroutine to call Complete before
// returning — this is what ties up tx.looper's thread until the async
// answer is ready, the condition blocked-looper escalation compensates
// for by migrating tx.looper out of the primary set and spawning a
// replacement.
func (tx *LooperTx) run(ctx context.Context) {
	tx.obj.dispatchMu.Lock()
	defer tx.obj.dispatchMu.Unlock()

	tx.mu.Lock()
	tx.state = TxProcessing
	tx.mu.Unlock()

	handlerCtx := context.WithValue(ctx, txCtxKey{}, tx)
	reply, err := tx.obj.handler(handlerCtx, tx.req)

	tx.mu.Lock()
	blocking := tx.state == TxBlocking
	if blocking {
		tx.state = TxBlocked
	} else {
		tx.state = TxProcessed
	}
	tx.mu.Unlock()

	if !blocking {
		tx.complete(reply, err)
		return
	}

	if tx.looper != nil {
		tx.ipc.looperBlocked(tx.looper)
	}
	<-tx.done
	if tx.looper != nil {
		tx.ipc.looperUnblocked(tx.looper)
	}
}

// block transitions PROCESSING -> BLOCKING. Returns false if tx isn't
// currently PROCESSING (Block called twice, or after the handler
// already returned).
func (tx *LooperTx) block() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state != TxProcessing {
		return false
	}
	tx.state = TxBlocking
	return true
}

// complete finishes tx: sends reply (or a -1 status reply if err != nil)
// unless the underlying request is oneway, releases the request, and
// wakes run's BLOCKED wait if there is one. Safe to call exactly once;
// later calls are no-ops returning false.
func (tx *LooperTx) complete(reply *LocalReply, err error) bool {
	tx.mu.Lock()
	if tx.state == TxComplete {
		tx.mu.Unlock()
		return false
	}
	tx.state = TxComplete
	tx.mu.Unlock()

	tx.ipc.finishTransaction(tx.obj, tx.req, reply, err)
	close(tx.done)
	return true
}

type txCtxKey struct{}

// Block marks the transaction ctx was dispatched with as asynchronous:
// the calling TransactionHandler may return (nil, nil) immediately, and
// must later call Complete — from any goroutine — to send the real
// reply. Returns false if ctx carries no in-flight LooperTx, or the
// transaction isn't in a state Block applies to.
func Block(ctx context.Context) bool {
	tx, ok := ctx.Value(txCtxKey{}).(*LooperTx)
	if !ok {
		return false
	}
	return tx.block()
}

// Complete finishes a transaction previously marked Block-ed. reply and
// err are handled exactly as a synchronously-returned TransactionHandler
// result would be. Returns false if ctx carries no in-flight LooperTx or
// the transaction already completed.
func Complete(ctx context.Context, reply *LocalReply, err error) bool {
	tx, ok := ctx.Value(txCtxKey{}).(*LooperTx)
	if !ok {
		return false
	}
	return tx.complete(reply, err)
}
