package config

import (
	"errors"
	"fmt"

	"github.com/zoobzio/optracez"
)

// Aggregates understood by ComputedValueConfig.
const (
	AggregateCount  = "count"
	AggregateSum    = "sum"
	AggregateExists = "exists"
)

// Definition compiles the configuration into a TraceDefinition.
func (tc *TraceConfig) Definition() (*optracez.TraceDefinition, error) {
	var errs []error
	compile := func(field string, defs []*optracez.MatchDefinition) []*optracez.Matcher {
		matchers, err := optracez.CompileMatchDefinitions(defs)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
		return matchers
	}

	def := &optracez.TraceDefinition{
		Name:                                  tc.Name,
		RelationSchemaName:                    tc.RelationSchema,
		Variants:                              tc.Variants,
		RequiredSpans:                         compile("required_spans", tc.RequiredSpans),
		DebounceOnSpans:                       compile("debounce_on_spans", tc.DebounceOnSpans),
		InterruptOnSpans:                      compile("interrupt_on_spans", tc.InterruptOnSpans),
		SuppressErrorStatusPropagationOnSpans: compile("suppress_error_status_propagation_on_spans", tc.SuppressErrorStatusPropagationOnSpans),
		DebounceWindow:                        tc.DebounceWindow,
		HeritableSpanAttributes:               tc.HeritableSpanAttributes,
		AdoptAsChildren:                       tc.AdoptAsChildren,
	}
	if tc.CaptureInteractive != nil {
		def.CaptureInteractive = &optracez.InteractiveConfig{
			Timeout:     tc.CaptureInteractive.Timeout,
			QuietWindow: tc.CaptureInteractive.QuietWindow,
		}
	}

	for _, cs := range tc.ComputedSpans {
		start, err := cs.Start.bound()
		if err != nil {
			errs = append(errs, fmt.Errorf("computed span %s start: %w", cs.Name, err))
			continue
		}
		end, err := cs.End.bound()
		if err != nil {
			errs = append(errs, fmt.Errorf("computed span %s end: %w", cs.Name, err))
			continue
		}
		def.ComputedSpanDefinitions = append(def.ComputedSpanDefinitions, optracez.ComputedSpanDefinition{
			Name: cs.Name, Start: start, End: end,
		})
	}

	for _, cv := range tc.ComputedValues {
		value, err := cv.definition()
		if err != nil {
			errs = append(errs, fmt.Errorf("computed value %s: %w", cv.Name, err))
			continue
		}
		def.ComputedValueDefinitions = append(def.ComputedValueDefinitions, value)
	}

	for i, p := range tc.PromoteSpanAttributes {
		m, err := optracez.CompileMatchDefinition(p.Span)
		if err != nil {
			errs = append(errs, fmt.Errorf("promote_span_attributes[%d]: %w", i, err))
			continue
		}
		def.PromoteSpanAttributes = append(def.PromoteSpanAttributes, optracez.PromotionRule{Span: m, Attributes: p.Attributes})
	}

	if len(tc.LabelMatching) > 0 {
		def.LabelMatching = make(map[string]*optracez.Matcher, len(tc.LabelMatching))
		for label, md := range tc.LabelMatching {
			m, err := optracez.CompileMatchDefinition(md)
			if err != nil {
				errs = append(errs, fmt.Errorf("label %s: %w", label, err))
				continue
			}
			def.LabelMatching[label] = m
		}
	}

	if err := def.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("trace %s: %w", tc.Name, err)
	}
	return def, nil
}

func (b BoundConfig) bound() (optracez.SpanBound, error) {
	if b.Token != "" {
		switch t := optracez.BoundToken(b.Token); t {
		case optracez.BoundOperationStart, optracez.BoundOperationEnd, optracez.BoundInteractive:
			return optracez.SpanBound{Token: t}, nil
		default:
			return optracez.SpanBound{}, fmt.Errorf("unknown bound token %q", b.Token)
		}
	}
	m, err := optracez.CompileMatchDefinition(b.Match)
	if err != nil {
		return optracez.SpanBound{}, err
	}
	return optracez.SpanBound{Matcher: m}, nil
}

func (cv ComputedValueConfig) definition() (optracez.ComputedValueDefinition, error) {
	m, err := optracez.CompileMatchDefinition(cv.Match)
	if err != nil {
		return optracez.ComputedValueDefinition{}, err
	}
	out := optracez.ComputedValueDefinition{Name: cv.Name, Matches: []*optracez.Matcher{m}}

	switch cv.Aggregate {
	case AggregateCount, "":
		out.Compute = func(buckets [][]*optracez.SpanAndAnnotation) (any, bool) {
			return len(buckets[0]), true
		}
	case AggregateExists:
		out.Compute = func(buckets [][]*optracez.SpanAndAnnotation) (any, bool) {
			return len(buckets[0]) > 0, true
		}
	case AggregateSum:
		if cv.Attribute == "" {
			return out, errors.New("sum needs an attribute")
		}
		attr := cv.Attribute
		out.Compute = func(buckets [][]*optracez.SpanAndAnnotation) (any, bool) {
			var sum float64
			var seen bool
			for _, item := range buckets[0] {
				if n, ok := number(item.Span.Attributes[attr]); ok {
					sum += n
					seen = true
				}
			}
			return sum, seen
		}
	default:
		return out, fmt.Errorf("unknown aggregate %q", cv.Aggregate)
	}
	return out, nil
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
