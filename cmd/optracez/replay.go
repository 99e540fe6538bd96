package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/zoobzio/optracez"
	"github.com/zoobzio/optracez/config"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a span script through the trace engine",
	Long: `Replay reads a JSON-lines script of trace starts, spans, interrupts and
time advances, runs it on a deterministic clock and writes one summary per
reported recording to stdout.`,
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().String("events", "-", "path to the JSON-lines script, - for stdin")
	replayCmd.Flags().String("format", "json", "output format (json|msgpack)")
	replayCmd.Flags().Duration("drain", time.Minute, "time to let pass after the last event")
}

// summary is the per-recording output of replay.
type summary struct {
	ID                 string                               `json:"id" msgpack:"id"`
	Name               string                               `json:"name" msgpack:"name"`
	Variant            string                               `json:"variant" msgpack:"variant"`
	ParentTraceID      string                               `json:"parent_trace_id,omitempty" msgpack:"parent_trace_id,omitempty"`
	Status             string                               `json:"status" msgpack:"status"`
	InterruptionReason string                               `json:"interruption_reason,omitempty" msgpack:"interruption_reason,omitempty"`
	DurationMs         *float64                             `json:"duration_ms,omitempty" msgpack:"duration_ms,omitempty"`
	Error              string                               `json:"error,omitempty" msgpack:"error,omitempty"`
	Entries            int                                  `json:"entries" msgpack:"entries"`
	ComputedSpans      map[string]optracez.ComputedSpan     `json:"computed_spans,omitempty" msgpack:"computed_spans,omitempty"`
	ComputedValues     map[string]any                       `json:"computed_values,omitempty" msgpack:"computed_values,omitempty"`
	RenderBeacons      map[string]optracez.RenderBeaconSpan `json:"render_beacons,omitempty" msgpack:"render_beacons,omitempty"`
	Attributes         map[string]any                       `json:"attributes,omitempty" msgpack:"attributes,omitempty"`
}

func summarize(rec *optracez.TraceRecording) summary {
	s := summary{
		ID:                 rec.ID,
		Name:               rec.Name,
		Variant:            rec.Variant,
		ParentTraceID:      rec.ParentTraceID,
		Status:             string(rec.Status),
		InterruptionReason: string(rec.InterruptionReason),
		Entries:            len(rec.Entries),
		ComputedSpans:      rec.ComputedSpans,
		ComputedValues:     rec.ComputedValues,
		RenderBeacons:      rec.ComputedRenderBeaconSpans,
		Attributes:         rec.Attributes,
	}
	if rec.Duration != nil {
		ms := float64(*rec.Duration) / float64(time.Millisecond)
		s.DurationMs = &ms
	}
	if rec.Error != nil {
		s.Error = rec.Error.Error()
	}
	return s
}

// encoder writes summaries in one of the supported formats.
type encoder interface {
	Encode(v any) error
}

func newEncoder(format string, w io.Writer) (encoder, error) {
	switch format {
	case "json":
		return json.NewEncoder(w), nil
	case "msgpack":
		return msgpack.NewEncoder(w), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func statusColor(status optracez.RecordingStatus) *color.Color {
	switch status {
	case optracez.RecordingOK:
		return color.New(color.FgGreen, color.Bold)
	case optracez.RecordingError:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgYellow, color.Bold)
	}
}

func applyColorFlag(cmd *cobra.Command) {
	mode, _ := cmd.Flags().GetString("color")
	switch mode {
	case "on":
		color.NoColor = false
	case "off":
		color.NoColor = true
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func runReplay(cmd *cobra.Command, _ []string) error {
	applyColorFlag(cmd)
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	eventsPath, _ := cmd.Flags().GetString("events")
	format, _ := cmd.Flags().GetString("format")
	drain, _ := cmd.Flags().GetDuration("drain")

	enc, err := newEncoder(format, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	var events io.Reader = cmd.InOrStdin()
	if eventsPath != "-" {
		f, err := os.Open(eventsPath)
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer f.Close()
		events = f
	}

	r, err := newReplayer(cfg)
	if err != nil {
		return err
	}
	defer r.close()

	recordings, runErr := r.run(events, drain)
	stderr := cmd.ErrOrStderr()
	for _, rec := range recordings {
		if err := enc.Encode(summarize(rec)); err != nil {
			return fmt.Errorf("encode %s: %w", rec.ID, err)
		}
		line := fmt.Sprintf("%s %s", rec.Name, rec.Status)
		if rec.InterruptionReason != "" {
			line += " (" + string(rec.InterruptionReason) + ")"
		}
		statusColor(rec.Status).Fprintln(stderr, line)
	}
	if runErr != nil {
		color.New(color.FgYellow).Fprintln(stderr, runErr.Error())
	}
	return nil
}
