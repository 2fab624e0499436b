package offline

import (
	"context"
	"fmt"

	syncmanager "github.com/always-cache/offline-cache/pkg/sync-manager"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// SyncRule is a declarative sync listener: when the `when` expression holds
// for an event of the rule's type, the rule's action is taken.
type SyncRule struct {
	Event string `yaml:"event"`
	// Regular expression the request URL must match. Optional.
	Scope string `yaml:"scope"`
	// Boolean expression over RequestID, Method, URL, Path and Status.
	// Empty always holds.
	When   string `yaml:"when"`
	Action string `yaml:"action"`
}

// RuleError reports a sync rule that could not be compiled or evaluated.
type RuleError struct {
	Rule int
	Expr string
	Err  error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("sync rule %d (when=%q): %v", e.Rule, e.Expr, e.Err)
}

func (e *RuleError) Unwrap() error {
	return e.Err
}

// ruleEnv is the environment rule expressions are checked against.
func ruleEnv(event syncmanager.Event) map[string]any {
	env := map[string]any{
		"RequestID": event.RequestID,
		"Method":    "",
		"URL":       "",
		"Path":      "",
		"Status":    0,
	}
	if event.Request != nil {
		env["Method"] = event.Request.Method
		env["URL"] = event.Request.URL.String()
		env["Path"] = event.Request.URL.Path
	}
	if event.Response != nil {
		env["Status"] = event.Response.StatusCode
	}
	return env
}

type ruleListener struct {
	index   int
	when    string
	program *vm.Program
	action  syncmanager.ActionKind
}

// CompileSyncRule compiles the rule with the given index into a listener.
func CompileSyncRule(index int, rule SyncRule) (syncmanager.Listener, error) {
	kind, err := syncmanager.ParseActionKind(rule.Action)
	if err != nil {
		return nil, &RuleError{Rule: index, Expr: rule.When, Err: err}
	}
	if kind == syncmanager.ActionReplay {
		return nil, &RuleError{Rule: index, Expr: rule.When, Err: fmt.Errorf("replay needs a request and cannot be declared")}
	}
	l := &ruleListener{index: index, when: rule.When, action: kind}
	if rule.When != "" {
		program, err := expr.Compile(rule.When, expr.Env(ruleEnv(syncmanager.Event{})), expr.AsBool())
		if err != nil {
			return nil, &RuleError{Rule: index, Expr: rule.When, Err: err}
		}
		l.program = program
	}
	return l, nil
}

func (l *ruleListener) HandleSyncEvent(_ context.Context, event syncmanager.Event) (syncmanager.Action, error) {
	if l.program != nil {
		out, err := expr.Run(l.program, ruleEnv(event))
		if err != nil {
			return syncmanager.Continue(), &RuleError{Rule: l.index, Expr: l.when, Err: err}
		}
		if holds, _ := out.(bool); !holds {
			return syncmanager.Continue(), nil
		}
	}
	return syncmanager.Action{Kind: l.action}, nil
}

// RegisterSyncRules compiles the rules and registers them in order.
// Nothing is registered if a rule does not compile.
func RegisterSyncRules(m *syncmanager.Manager, rules []SyncRule) ([]syncmanager.ListenerID, error) {
	listeners := make([]syncmanager.Listener, 0, len(rules))
	for i, rule := range rules {
		l, err := CompileSyncRule(i, rule)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, l)
	}
	ids := make([]syncmanager.ListenerID, 0, len(rules))
	for i, l := range listeners {
		id, err := m.AddEventListener(rules[i].Event, l, rules[i].Scope)
		if err != nil {
			for _, id := range ids {
				m.RemoveEventListener(id)
			}
			return nil, &RuleError{Rule: i, Expr: rules[i].When, Err: err}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
