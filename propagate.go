package optracez

// spanTree is the parent/child topology of a recorded item set. Parent ids
// pointing at a recorded start half are redirected to its end half.
type spanTree struct {
	order    []*SpanAndAnnotation
	parent   map[string]string
	children map[string][]*SpanAndAnnotation
}

func buildSpanTree(items []*SpanAndAnnotation, parentOf func(*SpanAndAnnotation) string) *spanTree {
	byID := make(map[string]*SpanAndAnnotation, len(items))
	for _, item := range items {
		byID[item.Span.ID] = item
	}
	endOf := make(map[string]string)
	for _, item := range items {
		if start := item.Span.StartSpanID; start != "" {
			if _, ok := byID[start]; ok {
				endOf[start] = item.Span.ID
			}
		}
	}

	tree := &spanTree{
		parent:   make(map[string]string, len(items)),
		children: make(map[string][]*SpanAndAnnotation),
	}
	var roots []*SpanAndAnnotation
	for _, item := range items {
		pid := parentOf(item)
		if end, ok := endOf[pid]; ok && end != item.Span.ID {
			pid = end
		}
		if _, ok := byID[pid]; !ok || pid == item.Span.ID {
			roots = append(roots, item)
			continue
		}
		tree.parent[item.Span.ID] = pid
		tree.children[pid] = append(tree.children[pid], item)
	}

	visited := make(map[string]struct{}, len(items))
	var walk func(item *SpanAndAnnotation)
	walk = func(item *SpanAndAnnotation) {
		if _, ok := visited[item.Span.ID]; ok {
			return
		}
		visited[item.Span.ID] = struct{}{}
		tree.order = append(tree.order, item)
		for _, child := range tree.children[item.Span.ID] {
			walk(child)
		}
	}
	for _, root := range roots {
		walk(root)
	}
	// Items caught in a parent cycle have no root; keep them in arrival order.
	for _, item := range items {
		if _, ok := visited[item.Span.ID]; !ok {
			delete(tree.parent, item.Span.ID)
			walk(item)
		}
	}
	return tree
}

// inheritedValue walks up from item to the nearest ancestor holding a concrete
// value for key. Ancestors come earlier in pre-order, so theirs are already
// resolved.
func inheritedValue(item *SpanAndAnnotation, key string, parents map[string]string, byID map[string]*SpanAndAnnotation) (any, bool) {
	id := item.Span.ID
	for hops := 0; hops < len(byID); hops++ {
		ancestor, ok := byID[parents[id]]
		if !ok {
			return nil, false
		}
		if v, has := ancestor.Span.Attributes[key]; has && v != InheritAttribute {
			return v, true
		}
		id = ancestor.Span.ID
	}
	return nil, false
}

// PropagateStatusAndAttributes fills inherited attributes top-down and
// bubbles error status bottom-up over items, mutating the spans in place.
//
// Heritable keys holding InheritAttribute take the nearest ancestor's
// resolved value, or are dropped when no ancestor has one. A span that is not
// in error becomes error when any child is in error; the first such child in
// arrival order donates its Error. Spans matched by suppressed neither take
// nor pass on error status. Running it again on its own output changes
// nothing.
func PropagateStatusAndAttributes(
	items []*SpanAndAnnotation,
	parentOf func(*SpanAndAnnotation) string,
	heritable []string,
	suppressed func(*SpanAndAnnotation) bool,
) []*SpanAndAnnotation {
	tree := buildSpanTree(items, parentOf)

	if len(heritable) > 0 {
		byID := make(map[string]*SpanAndAnnotation, len(items))
		for _, item := range items {
			byID[item.Span.ID] = item
		}
		for _, item := range tree.order {
			attrs := item.Span.Attributes
			for _, key := range heritable {
				if v, ok := attrs[key]; !ok || v != InheritAttribute {
					continue
				}
				if v, ok := inheritedValue(item, key, tree.parent, byID); ok {
					attrs[key] = v
					continue
				}
				delete(attrs, key)
			}
		}
	}

	if suppressed == nil {
		suppressed = func(*SpanAndAnnotation) bool { return false }
	}
	for i := len(tree.order) - 1; i >= 0; i-- {
		item := tree.order[i]
		if item.Span.Status == StatusError || suppressed(item) {
			continue
		}
		for _, child := range tree.children[item.Span.ID] {
			if child.Span.Status == StatusError && !suppressed(child) {
				item.Span.Status = StatusError
				if item.Span.Error == nil {
					item.Span.Error = child.Span.Error
				}
				break
			}
		}
	}
	return tree.order
}
