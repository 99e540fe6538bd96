package optracez

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parentsOf(links map[string]string) func(*SpanAndAnnotation) string {
	return func(item *SpanAndAnnotation) string { return links[item.Span.ID] }
}

func failed(err error) func(*Span) {
	return func(s *Span) {
		s.Status = StatusError
		s.Error = err
	}
}

func attrs(a Attributes) func(*Span) {
	return func(s *Span) { s.Attributes = a }
}

func TestErrorBubblesToAncestors(t *testing.T) {
	cause := errors.New("request failed")
	root, mid, leaf := mkItem("page"), mkItem("panel"), mkItem("fetch", failed(cause))
	sibling := mkItem("header")
	items := []*SpanAndAnnotation{root, mid, sibling, leaf}
	links := map[string]string{"panel": "page", "header": "page", "fetch": "panel"}

	order := PropagateStatusAndAttributes(items, parentsOf(links), nil, nil)

	assert.Equal(t, StatusError, mid.Span.Status)
	assert.Equal(t, StatusError, root.Span.Status)
	assert.Same(t, cause, root.Span.Error)
	assert.Equal(t, StatusOK, sibling.Span.Status)

	var names []string
	for _, item := range order {
		names = append(names, item.Span.Name)
	}
	assert.Equal(t, []string{"page", "panel", "fetch", "header"}, names, "depth first from the roots")
}

func TestFirstFailingChildDonatesItsError(t *testing.T) {
	first, second := errors.New("first"), errors.New("second")
	parent := mkItem("parent")
	items := []*SpanAndAnnotation{parent, mkItem("a", failed(first)), mkItem("b", failed(second))}
	links := map[string]string{"a": "parent", "b": "parent"}

	PropagateStatusAndAttributes(items, parentsOf(links), nil, nil)
	assert.Same(t, first, parent.Span.Error)
}

func TestParentKeepsItsOwnError(t *testing.T) {
	own := errors.New("own")
	parent := mkItem("parent", failed(own))
	items := []*SpanAndAnnotation{parent, mkItem("child", failed(errors.New("child")))}

	PropagateStatusAndAttributes(items, parentsOf(map[string]string{"child": "parent"}), nil, nil)
	assert.Same(t, own, parent.Span.Error)
}

func TestSuppressedSpansStopPropagation(t *testing.T) {
	root := mkItem("root")
	retry := mkItem("retry")
	items := []*SpanAndAnnotation{
		root, retry,
		mkItem("attempt", failed(errors.New("flaky"))),
	}
	links := map[string]string{"retry": "root", "attempt": "retry"}
	suppressed := func(item *SpanAndAnnotation) bool { return item.Span.Name == "retry" }

	PropagateStatusAndAttributes(items, parentsOf(links), nil, suppressed)
	assert.Equal(t, StatusOK, retry.Span.Status, "a suppressed span does not take error status")
	assert.Equal(t, StatusOK, root.Span.Status)

	suppressedLeaf := func(item *SpanAndAnnotation) bool { return item.Span.Name == "attempt" }
	root, retry = mkItem("root"), mkItem("retry")
	items = []*SpanAndAnnotation{root, retry, mkItem("attempt", failed(errors.New("flaky")))}
	PropagateStatusAndAttributes(items, parentsOf(links), nil, suppressedLeaf)
	assert.Equal(t, StatusOK, retry.Span.Status, "a suppressed error is not passed on")
}

func TestPropagationIsIdempotent(t *testing.T) {
	build := func() []*SpanAndAnnotation {
		return []*SpanAndAnnotation{
			mkItem("root", attrs(Attributes{"team": "core"})),
			mkItem("child", attrs(Attributes{"team": InheritAttribute})),
			mkItem("leaf", failed(errors.New("x")), attrs(Attributes{"team": InheritAttribute})),
		}
	}
	links := map[string]string{"child": "root", "leaf": "child"}

	once := build()
	PropagateStatusAndAttributes(once, parentsOf(links), []string{"team"}, nil)
	twice := build()
	PropagateStatusAndAttributes(twice, parentsOf(links), []string{"team"}, nil)
	PropagateStatusAndAttributes(twice, parentsOf(links), []string{"team"}, nil)

	for i := range once {
		assert.Equal(t, once[i].Span.Status, twice[i].Span.Status)
		assert.Equal(t, once[i].Span.Attributes, twice[i].Span.Attributes)
	}
}

func TestInheritedAttributes(t *testing.T) {
	root := mkItem("root", attrs(Attributes{"team": "core", "page": "ticket"}))
	child := mkItem("child", attrs(Attributes{"team": InheritAttribute, "page": InheritAttribute}))
	grandchild := mkItem("grandchild", attrs(Attributes{"team": InheritAttribute}))
	orphan := mkItem("orphan", attrs(Attributes{"team": InheritAttribute}))
	items := []*SpanAndAnnotation{grandchild, child, root, orphan}
	links := map[string]string{"child": "root", "grandchild": "child"}

	PropagateStatusAndAttributes(items, parentsOf(links), []string{"team"}, nil)

	assert.Equal(t, "core", child.Span.Attributes["team"])
	assert.Equal(t, "core", grandchild.Span.Attributes["team"], "resolved top-down regardless of arrival")
	assert.Equal(t, InheritAttribute, child.Span.Attributes["page"], "only heritable keys are resolved")
	assert.NotContains(t, orphan.Span.Attributes, "team", "an unresolvable marker is dropped")
}

func TestInheritedAttributesComeFromNearestDefiningAncestor(t *testing.T) {
	root := mkItem("root", attrs(Attributes{"team": "core"}))
	mid := mkItem("mid", attrs(Attributes{"page": "ticket"}))
	leaf := mkItem("leaf", attrs(Attributes{"team": InheritAttribute, "page": InheritAttribute}))
	items := []*SpanAndAnnotation{leaf, mid, root}
	links := map[string]string{"mid": "root", "leaf": "mid"}

	PropagateStatusAndAttributes(items, parentsOf(links), []string{"team", "page"}, nil)

	assert.Equal(t, "core", leaf.Span.Attributes["team"], "mid has no team, so the root supplies it")
	assert.Equal(t, "ticket", leaf.Span.Attributes["page"])
	assert.NotContains(t, mid.Span.Attributes, "team")
}

func TestParentLinksToStartHalfFollowEndHalf(t *testing.T) {
	start := mkItem("load-start", func(s *Span) { s.IsStartHalf = true })
	end := mkItem("load-end", func(s *Span) { s.StartSpanID = "load-start" })
	child := mkItem("parse", failed(errors.New("bad json")))
	items := []*SpanAndAnnotation{start, child, end}
	links := map[string]string{"parse": "load-start"}

	tree := buildSpanTree(items, parentsOf(links))
	assert.Equal(t, "load-end", tree.parent["parse"])

	PropagateStatusAndAttributes(items, parentsOf(links), nil, nil)
	assert.Equal(t, StatusError, end.Span.Status)
	assert.Equal(t, StatusOK, start.Span.Status)
}

func TestSpanTreeSurvivesCycles(t *testing.T) {
	a, b, c := mkItem("a"), mkItem("b"), mkItem("c")
	links := map[string]string{"a": "b", "b": "a", "c": "c"}

	tree := buildSpanTree([]*SpanAndAnnotation{a, b, c}, parentsOf(links))
	require.Len(t, tree.order, 3)
	assert.Same(t, c, tree.order[0], "a self-parented span is a root")
	assert.Empty(t, tree.parent["c"])
}
