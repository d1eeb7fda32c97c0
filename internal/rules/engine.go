package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nexus-siem/backend/internal/storage"
)

// DetectionSink persists detections and prepares their backing tables.
type DetectionSink interface {
	EnsureSchema(ctx context.Context) error
	InsertDetection(ctx context.Context, d storage.Detection) (int64, error)
}

// AlertCreator promotes a high/critical detection into an alert. The
// alerting manager satisfies it.
type AlertCreator interface {
	CreateFromDetection(ctx context.Context, d storage.Detection) error
}

// Engine evaluates the rule battery over an event source. Safe for use from
// a single sync cycle at a time; the orchestrator serializes cycles.
type Engine struct {
	rules  RuleSet
	events EventSource
	sink   DetectionSink
	alerts AlertCreator
	logger *slog.Logger

	initMu      sync.Mutex
	initialized bool
}

// NewEngine builds an engine. alerts may be nil, in which case high/critical
// detections are persisted but never promoted.
func NewEngine(rules RuleSet, events EventSource, sink DetectionSink, alerts AlertCreator, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  rules,
		events: events,
		sink:   sink,
		alerts: alerts,
		logger: logger,
	}
}

// Init ensures the backing tables exist. Idempotent and safe to call from
// multiple components; only the first call does work.
func (e *Engine) Init(ctx context.Context) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	if e.initialized {
		return nil
	}
	if err := e.sink.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("rule engine init: %w", err)
	}
	e.initialized = true
	e.logger.Info("rule engine initialized")
	return nil
}

// battery returns the enabled rule evaluators.
func (e *Engine) battery() []ruleFunc {
	type entry struct {
		rule Rule
		fn   ruleFunc
	}

	isCritical := func(ev storage.Event) bool {
		if ev.Severity != storage.SeverityError {
			return false
		}
		m := strings.ToLower(ev.Message)
		return strings.Contains(m, "critical") || strings.Contains(m, "fatal")
	}
	isHigh := func(ev storage.Event) bool {
		return ev.Severity == storage.SeverityError && !isCritical(ev)
	}

	all := []entry{
		{e.rules.AuthenticationAttacks.BruteForce, detectBruteForce(e.rules.AuthenticationAttacks.BruteForce)},
		{e.rules.AuthenticationAttacks.PasswordSpraying, detectPasswordSpraying(e.rules.AuthenticationAttacks.PasswordSpraying)},
		{e.rules.AuthenticationAttacks.SuccessfulAfterFailed, detectSuccessfulAfterFailed(e.rules.AuthenticationAttacks.SuccessfulAfterFailed)},
		{e.rules.PrivilegeEscalation.SuspiciousSudo, detectSuspiciousSudo(e.rules.PrivilegeEscalation.SuspiciousSudo)},
		{e.rules.PrivilegeEscalation.FailedSu, detectFailedSu(e.rules.PrivilegeEscalation.FailedSu)},
		{e.rules.PrivilegeEscalation.UnusualRootAccess, detectUnusualRootAccess(e.rules.PrivilegeEscalation.UnusualRootAccess)},
		{e.rules.SuspiciousBehavior.ConcurrentSessions, detectConcurrentSessions(e.rules.SuspiciousBehavior.ConcurrentSessions)},
		{e.rules.LogSeverity.CriticalErrorLog, detectSeverityPassthrough(e.rules.LogSeverity.CriticalErrorLog, "log_severity", isCritical)},
		{e.rules.LogSeverity.HighSeverityLog, detectSeverityPassthrough(e.rules.LogSeverity.HighSeverityLog, "log_severity", isHigh)},
	}

	var enabled []ruleFunc
	for _, en := range all {
		if en.rule.Enabled {
			enabled = append(enabled, en.fn)
		}
	}
	return enabled
}

// AnalyzeBatch evaluates every enabled rule concurrently and returns the
// union of their detections. A single rule's failure is logged and skipped;
// the survivors' detections are still persisted and returned. Detections at
// HIGH or CRITICAL severity are additionally promoted to alerts,
// best-effort.
func (e *Engine) AnalyzeBatch(ctx context.Context) ([]storage.Detection, error) {
	if err := e.Init(ctx); err != nil {
		return nil, err
	}

	battery := e.battery()
	results := make([][]storage.Detection, len(battery))
	errs := make([]error, len(battery))

	var wg sync.WaitGroup
	for i, fn := range battery {
		wg.Add(1)
		go func(i int, fn ruleFunc) {
			defer wg.Done()
			results[i], errs[i] = fn(ctx, e.events)
		}(i, fn)
	}
	wg.Wait()

	var detections []storage.Detection
	for i := range battery {
		if errs[i] != nil {
			e.logger.Error("rule evaluation failed", slog.Any("error", errs[i]))
			continue
		}
		detections = append(detections, results[i]...)
	}

	for i := range detections {
		d := &detections[i]
		id, err := e.sink.InsertDetection(ctx, *d)
		if err != nil {
			e.logger.Error("persist detection failed",
				slog.String("rule", d.RuleName), slog.Any("error", err))
			continue
		}
		d.ID = id

		if e.alerts != nil && (d.Severity == "HIGH" || d.Severity == "CRITICAL") {
			if err := e.alerts.CreateFromDetection(ctx, *d); err != nil {
				e.logger.Error("alert creation failed",
					slog.String("rule", d.RuleName), slog.Any("error", err))
			} else {
				e.logger.Info("alert created", slog.String("rule", d.RuleName))
			}
		}
	}

	if len(detections) > 0 {
		e.logger.Info("threats detected", slog.Int("count", len(detections)))
	}
	return detections, nil
}
