package optracez

import (
	"errors"
	"fmt"
	"time"
)

// Variant is a named flavour of an operation with its own timeout.
type Variant struct {
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
}

// InteractiveConfig enables the waiting-for-interactive phase.
type InteractiveConfig struct {
	// Timeout bounds the phase, measured from the end of the complete span.
	Timeout time.Duration
	// QuietWindow is handed to the default quiet-window processor.
	QuietWindow time.Duration
	// NewProcessor builds the quiet-window processor seeded with the complete
	// span. Defaults to NewQuietWindowDetector.
	NewProcessor func(seed *SpanAndAnnotation, cfg InteractiveConfig) QuietWindowProcessor
}

func (c *InteractiveConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultInteractiveTimeout
}

func (c *InteractiveConfig) newProcessor(seed *SpanAndAnnotation) QuietWindowProcessor {
	if c.NewProcessor != nil {
		return c.NewProcessor(seed, *c)
	}
	return NewQuietWindowDetector(seed, c.QuietWindow)
}

// BoundToken names a computed-span bound that is not a span match.
type BoundToken string

// Bound tokens.
const (
	BoundOperationStart BoundToken = "operation-start"
	BoundOperationEnd   BoundToken = "operation-end"
	BoundInteractive    BoundToken = "interactive"
)

// SpanBound is one end of a computed span: a token or a matcher.
type SpanBound struct {
	Token   BoundToken
	Matcher *Matcher
}

// ComputedSpanDefinition derives a duration from two bounds.
type ComputedSpanDefinition struct {
	Name  string
	Start SpanBound
	End   SpanBound
}

// ComputedValueDefinition derives a value from the recorded items. Each
// matcher fills one bucket and Compute receives the buckets in matcher order.
// Returning false omits the value.
type ComputedValueDefinition struct {
	Name    string
	Matches []*Matcher
	Compute func(buckets [][]*SpanAndAnnotation) (any, bool)
}

// PromotionRule copies span attributes onto the trace. Without an explicit
// NthMatch tag on Span, every match contributes in arrival order.
type PromotionRule struct {
	Span       *Matcher
	Attributes []string
}

// TraceDefinition configures an operation. It is never mutated once a Tracer
// owns it; per-trace changes are DefinitionPatch records.
//
//nolint:govet // Field order groups related settings
type TraceDefinition struct {
	Name               string
	RelationSchemaName string
	Variants           map[string]Variant

	RequiredSpans                         []*Matcher
	DebounceOnSpans                       []*Matcher
	InterruptOnSpans                      []*Matcher
	SuppressErrorStatusPropagationOnSpans []*Matcher

	// DebounceWindow defaults to DefaultDebounceWindow.
	DebounceWindow     time.Duration
	CaptureInteractive *InteractiveConfig

	ComputedSpanDefinitions  []ComputedSpanDefinition
	ComputedValueDefinitions []ComputedValueDefinition
	PromoteSpanAttributes    []PromotionRule
	HeritableSpanAttributes  []string
	LabelMatching            map[string]*Matcher

	// AdoptAsChildren lists definitions whose traces become children of a
	// running trace of this definition instead of replacing it.
	AdoptAsChildren []string
}

func (d *TraceDefinition) debounceWindow() time.Duration {
	if d.DebounceWindow > 0 {
		return d.DebounceWindow
	}
	return DefaultDebounceWindow
}

// Validate reports configuration errors.
func (d *TraceDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, ErrMissingDefinitionName)
	}
	if len(d.RequiredSpans) == 0 {
		errs = append(errs, fmt.Errorf("%s: %w", d.Name, ErrMissingRequiredSpans))
	}
	if len(d.Variants) == 0 {
		errs = append(errs, fmt.Errorf("%s: %w", d.Name, ErrMissingVariants))
	}
	for name, v := range d.Variants {
		if v.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%s: %w %q: timeout must be positive", d.Name, ErrInvalidVariant, name))
		}
	}
	for _, child := range d.AdoptAsChildren {
		if child == d.Name {
			errs = append(errs, fmt.Errorf("%s: %w", d.Name, ErrSelfAdoption))
		}
	}
	return errors.Join(errs...)
}

// adopts reports whether traces of name become children of this definition.
func (d *TraceDefinition) adopts(name string) bool {
	for _, child := range d.AdoptAsChildren {
		if child == name && child != d.Name {
			return true
		}
	}
	return false
}

// clone copies the definition with fresh slices so appends never alias.
func (d *TraceDefinition) clone() *TraceDefinition {
	c := *d
	c.RequiredSpans = append([]*Matcher(nil), d.RequiredSpans...)
	c.DebounceOnSpans = append([]*Matcher(nil), d.DebounceOnSpans...)
	c.InterruptOnSpans = append([]*Matcher(nil), d.InterruptOnSpans...)
	c.SuppressErrorStatusPropagationOnSpans = append([]*Matcher(nil), d.SuppressErrorStatusPropagationOnSpans...)
	c.ComputedSpanDefinitions = append([]ComputedSpanDefinition(nil), d.ComputedSpanDefinitions...)
	c.ComputedValueDefinitions = append([]ComputedValueDefinition(nil), d.ComputedValueDefinitions...)
	c.PromoteSpanAttributes = append([]PromotionRule(nil), d.PromoteSpanAttributes...)
	c.HeritableSpanAttributes = append([]string(nil), d.HeritableSpanAttributes...)
	c.AdoptAsChildren = append([]string(nil), d.AdoptAsChildren...)
	if d.Variants != nil {
		c.Variants = make(map[string]Variant, len(d.Variants))
		for k, v := range d.Variants {
			c.Variants[k] = v
		}
	}
	if d.LabelMatching != nil {
		c.LabelMatching = make(map[string]*Matcher, len(d.LabelMatching))
		for k, v := range d.LabelMatching {
			c.LabelMatching[k] = v
		}
	}
	return &c
}

// DefinitionPatch adds requirements to a single trace instance.
type DefinitionPatch struct {
	AdditionalRequiredSpans    []*Matcher
	AdditionalDebounceOnSpans  []*Matcher
	AdditionalInterruptOnSpans []*Matcher
}

func (p DefinitionPatch) empty() bool {
	return len(p.AdditionalRequiredSpans) == 0 &&
		len(p.AdditionalDebounceOnSpans) == 0 &&
		len(p.AdditionalInterruptOnSpans) == 0
}

// effectiveDefinition folds patches over base in order. Required matchers are
// tagged so traces can tell them apart.
func effectiveDefinition(base *TraceDefinition, patches []DefinitionPatch) *TraceDefinition {
	d := base.clone()
	for _, p := range patches {
		d.RequiredSpans = append(d.RequiredSpans, p.AdditionalRequiredSpans...)
		d.DebounceOnSpans = append(d.DebounceOnSpans, p.AdditionalDebounceOnSpans...)
		d.InterruptOnSpans = append(d.InterruptOnSpans, p.AdditionalInterruptOnSpans...)
	}
	for i, m := range d.RequiredSpans {
		if m != nil {
			d.RequiredSpans[i] = m.withTags(MatcherTags{RequiredSpan: true})
		}
	}
	return d
}
