package chat

import (
	"context"
	"errors"
	"sync"

	camerrors "github.com/camflowhq/camflow/pkg/errors"
	"github.com/camflowhq/camflow/pkg/logging"
)

// ViewModel is the client-side conversation state consumed by the
// presentation layer: an insertion-ordered message list, a separate ordered
// feedback list, the typing indicator, and the connection state. A single
// dispatch goroutine applies transport events in arrival order, running each
// handler to completion before the next.
type ViewModel struct {
	transport Transport
	logger    *logging.Logger

	mu       sync.Mutex
	messages []Message
	feedback []ActionFeedback
	typing   bool
	state    ConnectionState
	lastErr  error

	stopOnce sync.Once
	done     chan struct{}
	loopDone chan struct{}
	observer func(Event)
}

// NewViewModel wires a view-model to a transport; call Start to connect.
func NewViewModel(transport Transport, logger *logging.Logger) *ViewModel {
	if logger == nil {
		logger = logging.Nop()
	}
	vm := &ViewModel{
		transport: transport,
		logger:    logger,
		state:     StateDisconnected,
		done:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	go vm.loop()
	return vm
}

// Observe registers a callback invoked after each event is applied, from
// the dispatch goroutine. Must be set before Start.
func (vm *ViewModel) Observe(fn func(Event)) {
	vm.observer = fn
}

// Start connects the transport. The dispatch loop runs from construction,
// so events arriving during connection are never missed.
func (vm *ViewModel) Start(ctx context.Context) error {
	return vm.transport.Start(ctx)
}

// Stop tears down the transport and the dispatch loop. Idempotent.
func (vm *ViewModel) Stop() {
	vm.stopOnce.Do(func() {
		vm.transport.Stop()
		close(vm.done)
		<-vm.loopDone
	})
}

// Retry is the manual-retry affordance for the error state.
func (vm *ViewModel) Retry(ctx context.Context) error {
	return vm.transport.Start(ctx)
}

// SendMessage appends the optimistic local echo synchronously, before any
// response arrives. A local rejection (not authenticated, rate limited)
// appends a visible failed-status system message instead; the conversation
// history is never cleared.
func (vm *ViewModel) SendMessage(ctx context.Context, text string) error {
	local, err := vm.transport.SendMessage(ctx, text)
	if err != nil {
		vm.mu.Lock()
		vm.messages = append(vm.messages, newSystemMessage(userFacing(err), StatusFailed))
		vm.mu.Unlock()
		return err
	}
	vm.mu.Lock()
	vm.messages = append(vm.messages, local)
	vm.mu.Unlock()
	return nil
}

// RefreshHistory re-requests the recent conversation from the backend.
func (vm *ViewModel) RefreshHistory(ctx context.Context, limit int) error {
	return vm.transport.RequestHistory(ctx, limit)
}

// Messages returns a copy of the ordered conversation.
func (vm *ViewModel) Messages() []Message {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]Message, len(vm.messages))
	copy(out, vm.messages)
	return out
}

// Feedback returns a copy of the ordered action feedback list.
func (vm *ViewModel) Feedback() []ActionFeedback {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	out := make([]ActionFeedback, len(vm.feedback))
	copy(out, vm.feedback)
	return out
}

// Typing reports whether the assistant is composing a reply.
func (vm *ViewModel) Typing() bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.typing
}

// State returns the last observed connection state.
func (vm *ViewModel) State() ConnectionState {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

// LastError returns the most recent transport or remote error, if any.
func (vm *ViewModel) LastError() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.lastErr
}

func (vm *ViewModel) loop() {
	defer close(vm.loopDone)
	for {
		select {
		case <-vm.done:
			return
		case ev := <-vm.transport.Events():
			vm.apply(ev)
			if vm.observer != nil {
				vm.observer(ev)
			}
		}
	}
}

func (vm *ViewModel) apply(ev Event) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	switch ev.Type {
	case EventStateChanged:
		vm.state = ev.State

	case EventHistory:
		// Bulk replace, never merge.
		vm.messages = append([]Message(nil), ev.Messages...)

	case EventResponse:
		if ev.Message != nil {
			vm.messages = append(vm.messages, *ev.Message)
		}
		vm.typing = false

	case EventTyping:
		vm.typing = ev.Typing

	case EventActionFeedback:
		if ev.Feedback != nil {
			vm.feedback = append(vm.feedback, *ev.Feedback)
		}

	case EventError:
		vm.lastErr = ev.Err
		vm.messages = append(vm.messages, newSystemMessage(userFacing(ev.Err), StatusFailed))

	case EventConnectionEstablished, EventAuthenticationSuccess:
		// State transitions arrive separately via state.changed.
	}
}

func userFacing(err error) string {
	if err == nil {
		return "something went wrong"
	}
	var camErr *camerrors.Error
	if errors.As(err, &camErr) && camErr.UserMessage != "" {
		return camErr.UserMessage
	}
	return err.Error()
}
