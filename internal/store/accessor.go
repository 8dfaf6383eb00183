package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Accessor serialises all writes through one dedicated writer task.
// SQLite permits exactly one writer at a time; funnelling write
// transactions through a queue keeps ordering observable and avoids
// lock-escalation deadlocks. Readers run concurrently against the
// latest committed WAL snapshot.
type Accessor struct {
	db    *sql.DB
	tasks chan writeTask
	stop  chan struct{}
	done  chan struct{}
}

type writeTask struct {
	ctx  context.Context
	fn   func(tx *sql.Tx) error
	resp chan error
}

// NewAccessor starts the writer task.
func NewAccessor(db *sql.DB) *Accessor {
	a := &Accessor{
		db:    db,
		tasks: make(chan writeTask, 64),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Accessor) run() {
	defer close(a.done)
	for {
		select {
		case task := <-a.tasks:
			// A caller that gave up while queued is dropped before any
			// DB work starts. Once running, the transaction runs to
			// completion so no half-committed state is left behind.
			if task.ctx.Err() != nil {
				task.resp <- task.ctx.Err()
				continue
			}
			task.resp <- a.execute(task.fn)
		case <-a.stop:
			// Drain tasks already queued so callers are not stranded.
			for {
				select {
				case task := <-a.tasks:
					task.resp <- fmt.Errorf("store is shutting down")
				default:
					return
				}
			}
		}
	}
}

func (a *Accessor) execute(fn func(tx *sql.Tx) error) (err error) {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin write transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit write transaction: %w", err)
	}
	return nil
}

// WithWriteTx runs fn inside the single write transaction slot. It
// commits on nil return and rolls back on error or panic. If ctx is
// cancelled before the task starts, the task is dropped; if the task is
// already running it completes, but the caller returns immediately.
func (a *Accessor) WithWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	task := writeTask{ctx: ctx, fn: fn, resp: make(chan error, 1)}
	select {
	case a.tasks <- task:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stop:
		return fmt.Errorf("store is shutting down")
	}
	select {
	case err := <-task.resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.done:
		// The enqueue above can race Stop: a send that wins the select
		// against the closed stop channel lands in the buffer after the
		// writer's drain. Check for a reply before reporting shutdown.
		select {
		case err := <-task.resp:
			return err
		default:
			return fmt.Errorf("store is shutting down")
		}
	}
}

// WithRead hands out a read-only view. Reads do not queue behind the
// writer.
func (a *Accessor) WithRead(ctx context.Context, fn func(db *sql.DB) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(a.db)
}

// Stop shuts the writer task down after in-flight work completes.
// Tasks that slipped into the queue after the writer's drain are
// answered with a shutdown error here.
func (a *Accessor) Stop() {
	close(a.stop)
	<-a.done
	for {
		select {
		case task := <-a.tasks:
			task.resp <- fmt.Errorf("store is shutting down")
		default:
			return
		}
	}
}
