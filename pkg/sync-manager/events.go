package syncmanager

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
)

// Sync event types.
const (
	EventBeforeSyncRequest = "beforesyncrequest"
	EventSyncRequest       = "syncrequest"
)

// Event is passed to sync listeners. Response is set for EventSyncRequest only.
type Event struct {
	Type      string
	RequestID string
	Request   *http.Request
	Response  *http.Response
}

// ActionKind is the decision of a listener.
type ActionKind int

const (
	ActionContinue ActionKind = iota
	ActionSkip
	ActionStop
	ActionReplay
)

func (k ActionKind) String() string {
	switch k {
	case ActionSkip:
		return "skip"
	case ActionStop:
		return "stop"
	case ActionReplay:
		return "replay"
	default:
		return "continue"
	}
}

// ParseActionKind parses the name of an action.
func ParseActionKind(s string) (ActionKind, error) {
	switch strings.ToLower(s) {
	case "", "continue":
		return ActionContinue, nil
	case "skip":
		return ActionSkip, nil
	case "stop":
		return ActionStop, nil
	case "replay":
		return ActionReplay, nil
	}
	return ActionContinue, fmt.Errorf("unknown sync action %q", s)
}

// Action is returned by listeners. Request is the request to send instead for ActionReplay.
type Action struct {
	Kind    ActionKind
	Request *http.Request
}

func Continue() Action { return Action{Kind: ActionContinue} }
func Skip() Action     { return Action{Kind: ActionSkip} }
func Stop() Action     { return Action{Kind: ActionStop} }

func Replay(req *http.Request) Action {
	return Action{Kind: ActionReplay, Request: req}
}

// Listener handles sync events.
type Listener interface {
	HandleSyncEvent(ctx context.Context, event Event) (Action, error)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, event Event) (Action, error)

func (f ListenerFunc) HandleSyncEvent(ctx context.Context, event Event) (Action, error) {
	return f(ctx, event)
}

// ListenerID identifies a registered listener.
type ListenerID uint64

type registration struct {
	id       ListenerID
	typ      string
	scope    *regexp.Regexp
	listener Listener
}

type listeners struct {
	mu     sync.RWMutex
	nextID ListenerID
	regs   []registration
}

func normalizeEventType(eventType string) (string, error) {
	typ := strings.ToLower(eventType)
	if typ != EventBeforeSyncRequest && typ != EventSyncRequest {
		return "", fmt.Errorf("unknown sync event type %q", eventType)
	}
	return typ, nil
}

func (l *listeners) add(eventType string, listener Listener, scope string) (ListenerID, error) {
	typ, err := normalizeEventType(eventType)
	if err != nil {
		return 0, err
	}
	if listener == nil {
		return 0, fmt.Errorf("nil listener for %s", eventType)
	}
	var re *regexp.Regexp
	if scope != "" {
		if re, err = regexp.Compile(scope); err != nil {
			return 0, fmt.Errorf("listener scope %q: %w", scope, err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.regs = append(l.regs, registration{id: l.nextID, typ: typ, scope: re, listener: listener})
	return l.nextID, nil
}

func (l *listeners) remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, r := range l.regs {
		if r.id == id {
			l.regs = append(l.regs[:i:i], l.regs[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch consults the listeners of the event's type whose scope matches
// the request URL, in registration order, until one returns a non-continue action.
func (l *listeners) dispatch(ctx context.Context, event Event) (Action, error) {
	l.mu.RLock()
	regs := make([]registration, 0, len(l.regs))
	for _, r := range l.regs {
		if r.typ == event.Type {
			regs = append(regs, r)
		}
	}
	l.mu.RUnlock()

	url := event.Request.URL.String()
	for _, r := range regs {
		if r.scope != nil && !r.scope.MatchString(url) {
			continue
		}
		action, err := r.listener.HandleSyncEvent(ctx, event)
		if err != nil {
			return Continue(), err
		}
		if action.Kind == ActionReplay && action.Request == nil {
			return Continue(), fmt.Errorf("replay action without a request")
		}
		if action.Kind != ActionContinue {
			return action, nil
		}
	}
	return Continue(), nil
}
