package optracez

import (
	"fmt"
	"sort"
	"strings"
)

// RelationKind is the value type allowed for a relation key.
type RelationKind string

// Relation kinds.
const (
	RelationString  RelationKind = "string"
	RelationNumber  RelationKind = "number"
	RelationBoolean RelationKind = "boolean"
	RelationAny     RelationKind = "any"
)

// RelationSchema lists the keys a relatedTo value may carry and their types,
// e.g. {"ticketId": RelationString}.
type RelationSchema map[string]RelationKind

// Validate checks related against the schema: no unknown keys, matching
// types and at least one key.
func (s RelationSchema) Validate(related RelatedTo) error {
	if len(related) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidRelatedTo)
	}
	keys := make([]string, 0, len(related))
	for k := range related {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var problems []string
	for _, k := range keys {
		kind, ok := s[k]
		if !ok {
			problems = append(problems, fmt.Sprintf("unknown key %q", k))
			continue
		}
		if !kind.accepts(related[k]) {
			problems = append(problems, fmt.Sprintf("key %q: want %s, got %T", k, kind, related[k]))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRelatedTo, strings.Join(problems, "; "))
	}
	return nil
}

func (k RelationKind) accepts(v any) bool {
	switch k {
	case RelationString:
		_, ok := v.(string)
		return ok
	case RelationNumber:
		_, ok := toFloat(v)
		return ok
	case RelationBoolean:
		_, ok := v.(bool)
		return ok
	default:
		return true
	}
}
