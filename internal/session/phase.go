package session

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Phase is a session connection phase.
type Phase string

const (
	PhaseDisconnected   Phase = "disconnected"
	PhaseConnecting     Phase = "connecting"
	PhaseDiscovering    Phase = "discovering"
	PhaseAuthenticating Phase = "authenticating"
	PhaseSubscribing    Phase = "subscribing"
	PhaseReady          Phase = "ready"
)

const (
	eventConnect      = "connect"
	eventDiscover     = "discover"
	eventAuthenticate = "authenticate"
	eventSubscribe    = "subscribe"
	eventReady        = "ready"
	eventTeardown     = "teardown"
)

// phaseMachine wraps the fsm so transitions are serialized and callbacks never
// re-enter it.
type phaseMachine struct {
	mu  sync.Mutex
	fsm *fsm.FSM
}

func newPhaseMachine(logger *logrus.Entry) *phaseMachine {
	return &phaseMachine{
		fsm: fsm.NewFSM(
			string(PhaseDisconnected),
			fsm.Events{
				{Name: eventConnect, Src: []string{string(PhaseDisconnected)}, Dst: string(PhaseConnecting)},
				{Name: eventDiscover, Src: []string{string(PhaseConnecting)}, Dst: string(PhaseDiscovering)},
				{Name: eventAuthenticate, Src: []string{string(PhaseDiscovering)}, Dst: string(PhaseAuthenticating)},
				{Name: eventSubscribe, Src: []string{string(PhaseAuthenticating)}, Dst: string(PhaseSubscribing)},
				{Name: eventReady, Src: []string{string(PhaseSubscribing)}, Dst: string(PhaseReady)},
				{Name: eventTeardown, Src: []string{
					string(PhaseConnecting),
					string(PhaseDiscovering),
					string(PhaseAuthenticating),
					string(PhaseSubscribing),
					string(PhaseReady),
				}, Dst: string(PhaseDisconnected)},
			},
			fsm.Callbacks{
				"enter_state": func(_ context.Context, e *fsm.Event) {
					logger.WithFields(logrus.Fields{
						"from":  e.Src,
						"phase": e.Dst,
					}).Debug("Session phase changed")
				},
			},
		),
	}
}

// fire applies event. A transition rejected by the machine is returned as an
// error; callers treat it as a lost race with teardown.
func (p *phaseMachine) fire(event string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.fsm.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return nil
	}
	return err
}

func (p *phaseMachine) current() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Phase(p.fsm.Current())
}
