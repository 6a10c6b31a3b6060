package room

import (
	"context"
	"sync"

	"github.com/vladopajic/go-actor/actor"
)

// Actor serializes all work of one room on a single goroutine.
type Actor struct {
	actor   actor.Actor
	mailbox actor.MailboxSender[func()]

	mu      sync.RWMutex
	stopped bool
	done    chan struct{}
}

type roomWorker struct {
	mailbox actor.MailboxReceiver[func()]
}

func (w *roomWorker) DoWork(ctx actor.Context) actor.WorkerStatus {
	select {
	case <-ctx.Done():
		return actor.WorkerEnd
	case fn, ok := <-w.mailbox.ReceiveC():
		if !ok {
			return actor.WorkerEnd
		}
		fn()
		return actor.WorkerContinue
	}
}

func NewActor() *Actor {
	mbx := actor.NewMailbox[func()]()
	worker := &roomWorker{mailbox: mbx}
	return &Actor{
		actor:   actor.Combine(mbx, actor.New(worker)).Build(),
		mailbox: mbx,
		done:    make(chan struct{}),
	}
}

func (a *Actor) Start() {
	a.actor.Start()
}

// Invoke queues f without waiting. Work queued after Stop is dropped.
func (a *Actor) Invoke(f func()) error {
	return a.send(f, nil)
}

func (a *Actor) send(f func(), started chan struct{}) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.stopped {
		return ErrRoomDisposed
	}
	return a.mailbox.Send(context.Background(), func() {
		a.mu.RLock()
		if a.stopped {
			a.mu.RUnlock()
			return
		}
		if started != nil {
			close(started)
		}
		a.mu.RUnlock()
		f()
	})
}

// SyncInvoke runs f on the actor and waits for its error.
// Must not be called from the actor goroutine itself.
func (a *Actor) SyncInvoke(ctx context.Context, f func() error) error {
	errCh := make(chan error, 1)
	started := make(chan struct{})
	if err := a.send(func() { errCh <- f() }, started); err != nil {
		return err
	}
	select {
	case err := <-errCh:
		return err
	case <-a.done:
		select {
		case <-started:
			// f stopped the actor itself, or was already running
			return <-errCh
		default:
			return ErrRoomDisposed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) Stopped() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopped
}

// Stop is safe to call from any goroutine, including the actor's own.
func (a *Actor) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.done)
	a.mu.Unlock()

	// stopping waits for the worker, which may be the caller
	go a.actor.Stop()
}

func (a *Actor) Done() <-chan struct{} {
	return a.done
}
