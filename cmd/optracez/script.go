package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zoobzio/optracez"
	"github.com/zoobzio/optracez/config"
)

// Script operations.
const (
	opStart     = "start"
	opDraft     = "draft"
	opActivate  = "activate"
	opInterrupt = "interrupt"
	opSpan      = "span"
	opAdvance   = "advance"
)

// scriptEvent is one line of a replay script. At is the offset from the
// start of the replay; spans are ingested at At and end there.
type scriptEvent struct {
	At             string         `json:"at"`
	Op             string         `json:"op"`
	Trace          string         `json:"trace,omitempty"`
	Variant        string         `json:"variant,omitempty"`
	RelatedTo      map[string]any `json:"related_to,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name,omitempty"`
	Type           string         `json:"type,omitempty"`
	Duration       string         `json:"duration,omitempty"`
	Status         string         `json:"status,omitempty"`
	Error          string         `json:"error,omitempty"`
	ParentID       string         `json:"parent_id,omitempty"`
	IsIdle         bool           `json:"is_idle,omitempty"`
	RenderCount    int            `json:"render_count,omitempty"`
	RenderedOutput string         `json:"rendered_output,omitempty"`
}

func parseOffset(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// replayer drives a manager on a manual loop through a script.
type replayer struct {
	loop      *optracez.ManualLoop
	manager   *optracez.Manager
	collector *optracez.Collector
	tracers   map[string]*optracez.Tracer
	errs      []error
}

func newReplayer(cfg *config.Config) (*replayer, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	defs, err := cfg.Definitions()
	if err != nil {
		return nil, err
	}

	r := &replayer{
		loop:      optracez.NewManualLoop(),
		collector: optracez.NewCollector("replay", 64),
		tracers:   make(map[string]*optracez.Tracer, len(defs)),
	}
	r.collector.SetSyncMode(true)
	opts = append(opts,
		optracez.WithScheduler(r.loop),
		optracez.WithReportFn(r.collector.Collect),
		optracez.WithErrorHandler(func(err error, _ *optracez.Trace) { r.errs = append(r.errs, err) }),
	)
	r.manager = optracez.NewManager(opts...)
	for _, def := range defs {
		r.tracers[def.Name] = r.manager.CreateTracer(def)
	}
	return r, nil
}

func (r *replayer) close() {
	r.manager.Close()
	r.collector.Close()
}

// run applies every event in events, then lets drain elapse so pending
// deadlines fire.
func (r *replayer) run(events io.Reader, drain time.Duration) ([]*optracez.TraceRecording, error) {
	scanner := bufio.NewScanner(events)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var ev scriptEvent
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := r.apply(ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	r.loop.Advance(drain)
	return r.collector.Export(), errors.Join(r.errs...)
}

func (r *replayer) tracer(name string) (*optracez.Tracer, error) {
	tr, ok := r.tracers[name]
	if !ok {
		return nil, fmt.Errorf("unknown trace %q", name)
	}
	return tr, nil
}

func (r *replayer) apply(ev scriptEvent) error {
	at, err := parseOffset(ev.At)
	if err != nil {
		return fmt.Errorf("at: %w", err)
	}
	if at < r.loop.Now().Now {
		return fmt.Errorf("at %s is before the current time %s", at, r.loop.Now().Now)
	}
	r.loop.AdvanceTo(at)

	switch ev.Op {
	case opAdvance:
		return nil
	case opStart, opDraft:
		tr, err := r.tracer(ev.Trace)
		if err != nil {
			return err
		}
		in := optracez.StartInput{ID: ev.ID, Variant: ev.Variant, RelatedTo: ev.RelatedTo, Attributes: ev.Attributes}
		if ev.Op == opStart {
			tr.Start(in)
		} else {
			tr.CreateDraft(in)
		}
		return nil
	case opActivate:
		tr, err := r.tracer(ev.Trace)
		if err != nil {
			return err
		}
		tr.TransitionDraftToActive(optracez.DraftModifications{RelatedTo: ev.RelatedTo, Attributes: ev.Attributes}, optracez.TransitionOptions{})
		return nil
	case opInterrupt:
		tr, err := r.tracer(ev.Trace)
		if err != nil {
			return err
		}
		var cause error
		if ev.Error != "" {
			cause = errors.New(ev.Error)
		}
		tr.Interrupt(cause)
		return nil
	case opSpan:
		return r.span(ev)
	default:
		return fmt.Errorf("unknown op %q", ev.Op)
	}
}

func (r *replayer) span(ev scriptEvent) error {
	d, err := parseOffset(ev.Duration)
	if err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	start := r.loop.Now().Add(-d)
	in := optracez.SpanInput{
		ID:             ev.ID,
		Type:           optracez.SpanType(ev.Type),
		Name:           ev.Name,
		StartTime:      &start,
		Duration:       d,
		Status:         optracez.SpanStatus(ev.Status),
		Attributes:     ev.Attributes,
		RelatedTo:      ev.RelatedTo,
		ParentSpanID:   ev.ParentID,
		IsIdle:         ev.IsIdle,
		RenderCount:    ev.RenderCount,
		RenderedOutput: optracez.RenderedOutput(ev.RenderedOutput),
	}
	if ev.Error != "" {
		in.Error = errors.New(ev.Error)
	}
	r.manager.CreateAndProcessSpan(in)
	return nil
}
