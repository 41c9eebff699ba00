// Package notify implements the Notification Engine: events
// are matched against a hot-reloadable set of routing rules, deduplicated
// within a window, and fanned out to pluggable adapters whose failures
// never affect one another.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/arctek/aof/internal/eventlog"
)

var titleCaser = cases.Title(language.English)

// Rule routes events matching EventTypes to an audience at a severity.
// An empty EventTypes list matches every event (a catch-all rule).
type Rule struct {
	Name       string   `yaml:"name"`
	EventTypes []string `yaml:"eventTypes,omitempty"`
	Severity   string   `yaml:"severity,omitempty"`
	Audience   []string `yaml:"audience,omitempty"`
}

// RuleSet is the hot-reloadable document loaded from the rules file.
type RuleSet struct {
	Rules []Rule `yaml:"rules"`
}

func loadRuleSet(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("notify: read rules %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return nil, fmt.Errorf("notify: parse rules %s: %w", path, err)
	}
	return &rs, nil
}

// Notification is what an Adapter actually sends.
type Notification struct {
	Event    eventlog.Event
	Rule     string
	Severity string
	Audience []string
}

// Label returns a human-facing title-cased rendering of the notification's
// event type, e.g. "gate.timeout" -> "Gate.timeout", for adapters that
// display rather than just log the event.
func (n Notification) Label() string {
	return titleCaser.String(strings.ReplaceAll(n.Event.Type, "_", " "))
}

// Adapter delivers a Notification somewhere (Slack, email, webhook, ...).
// The fabric ships no concrete adapters; wiring one in is an operator
// integration concern, not the engine's.
type Adapter interface {
	Send(ctx context.Context, n Notification) error
}

// Engine matches events against the current RuleSet and dispatches
// deduplicated notifications to every registered Adapter.
type Engine struct {
	rules    atomic.Pointer[RuleSet]
	rulesPath string
	dedupe   *lru.Cache[string, time.Time]
	window   time.Duration
	adapters []Adapter
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
}

// NewEngine constructs an Engine, loading rulesPath once synchronously
// (callers should check the error before relying on Watch for reloads).
func NewEngine(rulesPath string, dedupeWindow time.Duration, dedupeSize int, adapters []Adapter, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dedupeSize <= 0 {
		dedupeSize = 1024
	}
	cache, err := lru.New[string, time.Time](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("notify: build dedupe cache: %w", err)
	}
	e := &Engine{rulesPath: rulesPath, dedupe: cache, window: dedupeWindow, adapters: adapters, logger: logger}

	rs, err := loadRuleSet(rulesPath)
	if err != nil {
		return nil, err
	}
	e.rules.Store(rs)
	return e, nil
}

// Watch starts an fsnotify watch on the rules file and hot-reloads it on
// every write, swapping the active RuleSet pointer atomically so in-flight
// Handle calls never observe a half-written file.
func (e *Engine) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("notify: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(e.rulesPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("notify: watch %s: %w", e.rulesPath, err)
	}
	e.watcher = w

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(e.rulesPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				rs, err := loadRuleSet(e.rulesPath)
				if err != nil {
					e.logger.Warn("failed to reload notification rules", "error", err)
					continue
				}
				e.rules.Store(rs)
				e.logger.Info("reloaded notification rules", "path", e.rulesPath, "count", len(rs.Rules))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				e.logger.Warn("notification rules watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the hot-reload watcher, if one was started.
func (e *Engine) Close() error {
	if e.watcher == nil {
		return nil
	}
	return e.watcher.Close()
}

// Handle matches ev against the active RuleSet and dispatches a
// Notification per matching rule, skipping any that fall within the
// dedupe window. Each adapter's error is isolated: one adapter failing
// never prevents the others from being tried.
func (e *Engine) Handle(ctx context.Context, ev eventlog.Event) {
	rs := e.rules.Load()
	if rs == nil {
		return
	}
	now := time.Now().UTC()
	for _, rule := range rs.Rules {
		if !matches(rule, ev) {
			continue
		}
		key := fmt.Sprintf("%s:%s:%s", rule.Name, ev.TaskID, ev.Type)
		if last, ok := e.dedupe.Get(key); ok && now.Sub(last) < e.window {
			continue
		}
		e.dedupe.Add(key, now)

		n := Notification{
			Event:    ev,
			Rule:     rule.Name,
			Severity: defaultString(rule.Severity, "info"),
			Audience: defaultAudience(rule.Audience),
		}
		for _, adapter := range e.adapters {
			if err := adapter.Send(ctx, n); err != nil {
				e.logger.Warn("notification adapter failed", "rule", rule.Name, "error", err)
			}
		}
	}
}

func matches(rule Rule, ev eventlog.Event) bool {
	if len(rule.EventTypes) == 0 {
		return true
	}
	for _, et := range rule.EventTypes {
		if et == ev.Type {
			return true
		}
	}
	return false
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultAudience(v []string) []string {
	if len(v) == 0 {
		return []string{"default"}
	}
	return v
}
