package optracez

import (
	"fmt"
	"regexp"
)

// MatchDefinition is the declarative form of a Matcher. Every set field is a
// condition and all of them must hold. OneOf and Not nest recursively.
//
//nolint:govet // Field order mirrors the config file layout
type MatchDefinition struct {
	Name                 string     `mapstructure:"name" json:"name,omitempty"`
	NamePattern          string     `mapstructure:"name_pattern" json:"name_pattern,omitempty"`
	PerformanceEntryName string     `mapstructure:"performance_entry_name" json:"performance_entry_name,omitempty"`
	Type                 SpanType   `mapstructure:"type" json:"type,omitempty"`
	Status               SpanStatus `mapstructure:"status" json:"status,omitempty"`
	Attributes           Attributes `mapstructure:"attributes" json:"attributes,omitempty"`
	MatchingRelations    []string   `mapstructure:"matching_relations" json:"matching_relations,omitempty"`
	MatchAllRelations    bool       `mapstructure:"match_all_relations" json:"match_all_relations,omitempty"`
	Occurrence           *int       `mapstructure:"occurrence" json:"occurrence,omitempty"`
	IsIdle               *bool      `mapstructure:"is_idle" json:"is_idle,omitempty"`
	Label                string     `mapstructure:"label" json:"label,omitempty"`
	RenderCount          *int       `mapstructure:"render_count" json:"render_count,omitempty"`

	OneOf []*MatchDefinition `mapstructure:"one_of" json:"one_of,omitempty"`
	Not   *MatchDefinition   `mapstructure:"not" json:"not,omitempty"`

	NthMatch                *int `mapstructure:"nth_match" json:"nth_match,omitempty"`
	LowestIndexToConsider   *int `mapstructure:"lowest_index_to_consider" json:"lowest_index_to_consider,omitempty"`
	HighestIndexToConsider  *int `mapstructure:"highest_index_to_consider" json:"highest_index_to_consider,omitempty"`
	ContinueWithErrorStatus bool `mapstructure:"continue_with_error_status" json:"continue_with_error_status,omitempty"`

	NameFunc       func(name string, relatedTo RelatedTo) bool `mapstructure:"-" json:"-"`
	OccurrenceFunc func(occurrence int) bool                   `mapstructure:"-" json:"-"`
	Fn             SpanMatchFn                                 `mapstructure:"-" json:"-"`
}

// CompileMatchDefinition turns a declarative definition into a Matcher.
func CompileMatchDefinition(def *MatchDefinition) (*Matcher, error) {
	if def == nil {
		return nil, fmt.Errorf("compile matcher: %w", ErrEmptyMatchDefinition)
	}

	var parts []*Matcher
	switch {
	case def.RenderCount != nil:
		parts = append(parts, WithComponentRenderCount(def.Name, *def.RenderCount))
	case def.Name != "":
		parts = append(parts, WithName(def.Name))
	}
	if def.NamePattern != "" {
		re, err := regexp.Compile(def.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("compile matcher name pattern %q: %w", def.NamePattern, err)
		}
		parts = append(parts, WithNamePattern(re))
	}
	if def.NameFunc != nil {
		parts = append(parts, WithNameFunc(def.NameFunc))
	}
	if def.PerformanceEntryName != "" {
		parts = append(parts, WithPerformanceEntryName(def.PerformanceEntryName))
	}
	if def.Type != "" {
		parts = append(parts, WithType(def.Type))
	}
	if def.Status != "" {
		parts = append(parts, WithStatus(def.Status))
	}
	if len(def.Attributes) > 0 {
		parts = append(parts, WithAttributes(def.Attributes))
	}
	if def.MatchAllRelations {
		parts = append(parts, WithMatchingRelations())
	} else if len(def.MatchingRelations) > 0 {
		parts = append(parts, WithMatchingRelations(def.MatchingRelations...))
	}
	if def.Occurrence != nil {
		parts = append(parts, WithOccurrence(*def.Occurrence))
	}
	if def.OccurrenceFunc != nil {
		parts = append(parts, WithOccurrenceFunc(def.OccurrenceFunc))
	}
	if def.IsIdle != nil {
		parts = append(parts, WithIsIdle(*def.IsIdle))
	}
	if def.Label != "" {
		parts = append(parts, WithLabel(def.Label))
	}
	if def.Fn != nil {
		parts = append(parts, NewMatcher(def.Fn))
	}
	if len(def.OneOf) > 0 {
		alternatives := make([]*Matcher, 0, len(def.OneOf))
		for _, sub := range def.OneOf {
			m, err := CompileMatchDefinition(sub)
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, m)
		}
		parts = append(parts, WithOneOfConditions(alternatives...))
	}
	if def.Not != nil {
		m, err := CompileMatchDefinition(def.Not)
		if err != nil {
			return nil, err
		}
		parts = append(parts, Not(m))
	}
	if def.NthMatch != nil {
		parts = append(parts, WithNthMatch(*def.NthMatch))
	}
	if def.LowestIndexToConsider != nil {
		parts = append(parts, WithLowestIndexToConsider(*def.LowestIndexToConsider))
	}
	if def.HighestIndexToConsider != nil {
		parts = append(parts, WithHighestIndexToConsider(*def.HighestIndexToConsider))
	}
	if def.ContinueWithErrorStatus {
		parts = append(parts, WithContinueWithErrorStatus())
	}

	m := WithAllConditions(parts...)
	m.Definition = def
	return m, nil
}

// MustCompileMatchDefinition is CompileMatchDefinition that panics on error.
func MustCompileMatchDefinition(def *MatchDefinition) *Matcher {
	m, err := CompileMatchDefinition(def)
	if err != nil {
		panic(err)
	}
	return m
}

// CompileMatchDefinitions compiles a list, stopping at the first error.
func CompileMatchDefinitions(defs []*MatchDefinition) ([]*Matcher, error) {
	out := make([]*Matcher, 0, len(defs))
	for i, def := range defs {
		m, err := CompileMatchDefinition(def)
		if err != nil {
			return nil, fmt.Errorf("matcher %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// mergeMatchDefinitions overlays the set fields of b onto a copy of a.
func mergeMatchDefinitions(a, b *MatchDefinition) *MatchDefinition {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	out := *a
	if b.Name != "" {
		out.Name = b.Name
	}
	if b.NamePattern != "" {
		out.NamePattern = b.NamePattern
	}
	if b.PerformanceEntryName != "" {
		out.PerformanceEntryName = b.PerformanceEntryName
	}
	if b.Type != "" {
		out.Type = b.Type
	}
	if b.Status != "" {
		out.Status = b.Status
	}
	if len(b.Attributes) > 0 {
		merged := copyMap(out.Attributes)
		if merged == nil {
			merged = make(Attributes, len(b.Attributes))
		}
		for k, v := range b.Attributes {
			merged[k] = v
		}
		out.Attributes = merged
	}
	if len(b.MatchingRelations) > 0 {
		out.MatchingRelations = b.MatchingRelations
	}
	out.MatchAllRelations = out.MatchAllRelations || b.MatchAllRelations
	if b.Occurrence != nil {
		out.Occurrence = b.Occurrence
	}
	if b.IsIdle != nil {
		out.IsIdle = b.IsIdle
	}
	if b.Label != "" {
		out.Label = b.Label
	}
	if b.RenderCount != nil {
		out.RenderCount = b.RenderCount
	}
	if len(b.OneOf) > 0 {
		out.OneOf = append(append([]*MatchDefinition(nil), out.OneOf...), b.OneOf...)
	}
	if b.Not != nil {
		out.Not = b.Not
	}
	if b.NthMatch != nil {
		out.NthMatch = b.NthMatch
	}
	if b.LowestIndexToConsider != nil {
		out.LowestIndexToConsider = b.LowestIndexToConsider
	}
	if b.HighestIndexToConsider != nil {
		out.HighestIndexToConsider = b.HighestIndexToConsider
	}
	out.ContinueWithErrorStatus = out.ContinueWithErrorStatus || b.ContinueWithErrorStatus
	if b.NameFunc != nil {
		out.NameFunc = b.NameFunc
	}
	if b.OccurrenceFunc != nil {
		out.OccurrenceFunc = b.OccurrenceFunc
	}
	if b.Fn != nil {
		out.Fn = b.Fn
	}
	return &out
}
