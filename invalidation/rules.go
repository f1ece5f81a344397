package invalidation

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/c360/tiercache/errors"
)

// RuleSpec declares a pattern rule in uncompiled form. One rule fans a
// matching trigger key out to every resident key matching the target
// pattern, minus excludes.
type RuleSpec struct {
	// Name identifies the rule for removal; must be unique.
	Name string `json:"name"`

	// Trigger is matched against the keys of a pattern-strategy request.
	Trigger string `json:"trigger"`

	// Target selects the resident keys to remove when the trigger fires.
	Target string `json:"target"`

	// Exclude, when non-empty, exempts matching keys from removal.
	Exclude string `json:"exclude,omitempty"`

	// CascadeDepth > 0 additionally removes each target's transitive
	// dependents up to the given depth.
	CascadeDepth int `json:"cascade_depth,omitempty"`

	// Delay defers the target sweep without blocking the caller.
	Delay time.Duration `json:"delay,omitempty"`
}

// rule is a RuleSpec with compiled patterns.
type rule struct {
	name         string
	trigger      *regexp.Regexp
	target       *regexp.Regexp
	exclude      *regexp.Regexp // nil when no exclude pattern was given
	cascadeDepth int
	delay        time.Duration
}

// targets filters resident keys through the rule's target and exclude
// patterns.
func (r *rule) targets(resident []string) []string {
	var out []string
	for _, key := range resident {
		if !r.target.MatchString(key) {
			continue
		}
		if r.exclude != nil && r.exclude.MatchString(key) {
			continue
		}
		out = append(out, key)
	}
	return out
}

// ruleSet is the thread-safe pattern rule registry.
type ruleSet struct {
	mu    sync.RWMutex
	rules map[string]*rule
}

func newRuleSet() *ruleSet {
	return &ruleSet{rules: make(map[string]*rule)}
}

// matching returns the rules whose trigger matches any of the given keys,
// ordered by name for deterministic fan-out.
func (rs *ruleSet) matching(keys []string) []*rule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	var out []*rule
	for _, r := range rs.rules {
		for _, key := range keys {
			if r.trigger.MatchString(key) {
				out = append(out, r)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// AddRule compiles and registers a pattern rule. Re-adding a name replaces
// the previous rule.
func (e *Engine) AddRule(spec RuleSpec) error {
	if spec.Name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "invalidation", "AddRule", "rule name cannot be empty")
	}

	trigger, err := regexp.Compile(spec.Trigger)
	if err != nil {
		return errors.WrapInvalid(err, "invalidation", "AddRule",
			fmt.Sprintf("compile trigger pattern %q", spec.Trigger))
	}
	target, err := regexp.Compile(spec.Target)
	if err != nil {
		return errors.WrapInvalid(err, "invalidation", "AddRule",
			fmt.Sprintf("compile target pattern %q", spec.Target))
	}
	var exclude *regexp.Regexp
	if spec.Exclude != "" {
		exclude, err = regexp.Compile(spec.Exclude)
		if err != nil {
			return errors.WrapInvalid(err, "invalidation", "AddRule",
				fmt.Sprintf("compile exclude pattern %q", spec.Exclude))
		}
	}

	e.rules.mu.Lock()
	defer e.rules.mu.Unlock()
	e.rules.rules[spec.Name] = &rule{
		name:         spec.Name,
		trigger:      trigger,
		target:       target,
		exclude:      exclude,
		cascadeDepth: spec.CascadeDepth,
		delay:        spec.Delay,
	}
	return nil
}

// RemoveRule unregisters a pattern rule by name.
func (e *Engine) RemoveRule(name string) error {
	e.rules.mu.Lock()
	defer e.rules.mu.Unlock()

	if _, ok := e.rules.rules[name]; !ok {
		return errors.WrapInvalid(errors.ErrRuleNotFound, "invalidation", "RemoveRule", name)
	}
	delete(e.rules.rules, name)
	return nil
}

// Rules returns the registered rule names, sorted.
func (e *Engine) Rules() []string {
	e.rules.mu.RLock()
	defer e.rules.mu.RUnlock()

	names := make([]string, 0, len(e.rules.rules))
	for name := range e.rules.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// invalidatePattern applies every rule whose trigger matches one of the
// keys. Rules with a delay schedule a deferred sweep and contribute nothing
// to the immediate result.
func (e *Engine) invalidatePattern(ctx context.Context, keys []string) (Result, error) {
	matched := e.rules.matching(keys)
	if len(matched) == 0 {
		return Result{}, nil
	}

	resident, err := e.store.Keys(ctx)
	if err != nil {
		return Result{}, errors.WrapTransient(err, "invalidation", "Invalidate", "enumerate resident keys")
	}

	var res Result
	for _, r := range matched {
		targets := r.targets(resident)
		if len(targets) == 0 {
			continue
		}

		if r.delay > 0 {
			e.scheduleDeferred(r, targets)
			continue
		}
		res.merge(e.removeTargets(ctx, targets, r.cascadeDepth))
	}
	return res, nil
}

// scheduleDeferred runs a rule's target sweep after its delay, abandoning
// the wait on shutdown. Failures are logged, never surfaced.
func (e *Engine) scheduleDeferred(r *rule, targets []string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-time.After(r.delay):
		case <-e.shutdown:
			return
		}
		res := e.removeTargets(context.Background(), targets, r.cascadeDepth)
		if res.Failed > 0 {
			e.logger.Warn("deferred pattern invalidation had failures",
				"rule", r.name, "invalidated", len(res.Invalidated), "failed", res.Failed)
		}
	}()
}

// removeTargets removes the targets, cascading through dependents when the
// rule asks for it.
func (e *Engine) removeTargets(ctx context.Context, targets []string, cascadeDepth int) Result {
	if cascadeDepth > 0 {
		return e.invalidateDependency(ctx, targets, Options{MaxDepth: cascadeDepth})
	}
	return e.invalidateManual(ctx, targets)
}
