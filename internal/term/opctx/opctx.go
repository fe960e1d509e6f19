// Package opctx carries per-operation state: request identity, the time
// budget, the circular-reference guard for ValueSet imports, a diagnostic log
// trail, and handles to the shared caches.
package opctx

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fhirterm/fhirterm/internal/term"
	"github.com/fhirterm/fhirterm/internal/term/lang"
)

// DefaultBudget is the operation time budget when none is configured.
const DefaultBudget = 30 * time.Second

// debugDisable is set once at startup; when true the budget is never enforced
// (mirrors "debugger presence disables the check").
var debugDisable = os.Getenv("TERM_DISABLE_DEADLINES") == "true"

// Options configures a new OperationContext.
type Options struct {
	RequestID        string
	AcceptLanguages  lang.Languages
	DisplayLanguages lang.Languages // overrides AcceptLanguages for display selection
	Budget           time.Duration
}

// OperationContext is created once per inbound operation and copied (sharing
// the start time and log) before recursing into imported ValueSets. It is not
// safe for concurrent use; operations are sequential within one request.
type OperationContext struct {
	id        string
	accept    lang.Languages
	display   lang.Languages
	budget    time.Duration
	start     time.Time
	vsStack   []string
	log       *logTrail
	Resources ResourceStore
	Expansions ExpansionStore
}

// ResourceStore is the operation's view of the client-resource cache.
type ResourceStore interface {
	Find(resourceType, url, version string) (map[string]interface{}, bool)
	AllOf(resourceType string) []map[string]interface{}
}

// ExpansionStore is the operation's view of the expansion cache. Do collapses
// concurrent misses for one key into a single computation.
type ExpansionStore interface {
	Get(key string) (map[string]interface{}, bool)
	Put(key string, expansion map[string]interface{}, took time.Duration)
	Do(key string, fn func() (map[string]interface{}, error)) (map[string]interface{}, error)
}

// logTrail is shared between a context and its recursive copies so the full
// trail survives into diagnostics.
type logTrail struct {
	mu      sync.Mutex
	entries []string
	start   time.Time
}

func (t *logTrail) add(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, fmt.Sprintf("%04dms %s", time.Since(t.start).Milliseconds(), msg))
}

func (t *logTrail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.entries))
	copy(out, t.entries)
	return out
}

// New creates an OperationContext. A missing request id gets a fresh UUID;
// a zero budget gets DefaultBudget.
func New(opts Options) *OperationContext {
	id := opts.RequestID
	if id == "" {
		id = uuid.NewString()
	}
	budget := opts.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	start := time.Now()
	return &OperationContext{
		id:      id,
		accept:  opts.AcceptLanguages,
		display: opts.DisplayLanguages,
		budget:  budget,
		start:   start,
		log:     &logTrail{start: start},
	}
}

// ID returns the request id, echoed as X-Request-Id.
func (c *OperationContext) ID() string { return c.id }

// Languages returns the working language list for display selection: the
// displayLanguage override when present, otherwise Accept-Language, each
// expanded with fallbacks.
func (c *OperationContext) Languages() lang.Languages {
	if !c.display.IsEmpty() {
		return c.display.Expand()
	}
	return c.accept.Expand()
}

// Elapsed returns time spent since the operation started.
func (c *OperationContext) Elapsed() time.Duration { return time.Since(c.start) }

// DeadCheck enforces the time budget. location names the call site for the
// diagnostic trail. Returns a too-costly OpError once the budget is exceeded.
func (c *OperationContext) DeadCheck(location string) error {
	if debugDisable {
		return nil
	}
	if time.Since(c.start) > c.budget {
		c.log.add("budget exceeded at " + location)
		return term.TooCostly(
			fmt.Sprintf("Operation exceeded its time budget of %s (at %s)", c.budget, location),
			c.log.snapshot())
	}
	return nil
}

// EnterValueSet registers a ValueSet URL on the cycle-guard stack. Re-entering
// a URL already on the stack is a circular reference; the error lists the full
// path of entered URLs.
func (c *OperationContext) EnterValueSet(url string) error {
	for _, u := range c.vsStack {
		if u == url {
			cycle := append(append([]string{}, c.vsStack...), url)
			return term.Circular(cycle)
		}
	}
	c.vsStack = append(c.vsStack, url)
	return nil
}

// LeaveValueSet pops the most recent URL. Calls must pair with EnterValueSet.
func (c *OperationContext) LeaveValueSet() {
	if len(c.vsStack) > 0 {
		c.vsStack = c.vsStack[:len(c.vsStack)-1]
	}
}

// Stack returns a copy of the currently entered ValueSet URLs.
func (c *OperationContext) Stack() []string {
	out := make([]string, len(c.vsStack))
	copy(out, c.vsStack)
	return out
}

// Fork copies the context for recursion into an imported ValueSet. The copy
// shares the start time, log trail, budget, and cache handles, but carries its
// own language override when the import declares one.
func (c *OperationContext) Fork() *OperationContext {
	cp := *c
	cp.vsStack = append([]string{}, c.vsStack...)
	return &cp
}

// Log appends a message to the operation trail.
func (c *OperationContext) Log(format string, args ...interface{}) {
	c.log.add(fmt.Sprintf(format, args...))
}

// Trail returns the accumulated trail entries.
func (c *OperationContext) Trail() []string { return c.log.snapshot() }

// TrailString joins the trail for diagnostics rendering.
func (c *OperationContext) TrailString() string {
	return strings.Join(c.log.snapshot(), "\n")
}
