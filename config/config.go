// Package config loads manager settings and trace definitions from files
// and environment variables.
//
// Keys are case-insensitive: viper lowercases every map key, so relation
// and attribute names in files should be written in snake_case.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoobzio/optracez"
)

// EnvPrefix prefixes environment overrides, e.g. OPTRACEZ_MANAGER_LOG_LEVEL.
const EnvPrefix = "OPTRACEZ"

// Config is the root configuration.
type Config struct {
	Manager         ManagerConfig                `mapstructure:"manager"`
	RelationSchemas map[string]map[string]string `mapstructure:"relation_schemas"`
	Traces          []TraceConfig                `mapstructure:"traces"`
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	LogLevel                                    string              `mapstructure:"log_level"`
	TickTracking                                bool                `mapstructure:"tick_tracking"`
	AcceptSpansStartedBeforeTraceStartThreshold time.Duration       `mapstructure:"accept_spans_started_before_trace_start_threshold"`
	HeritableSpanAttributes                     []string            `mapstructure:"heritable_span_attributes"`
	ArenaCapacity                               int                 `mapstructure:"arena_capacity"`
	Deduplication                               DeduplicationConfig `mapstructure:"deduplication"`
}

// DeduplicationConfig enables performance-entry deduplication.
type DeduplicationConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Window      time.Duration `mapstructure:"window"`
	PreferNewer bool          `mapstructure:"prefer_newer"`
}

// InteractiveConfig enables the waiting-for-interactive phase of a trace.
type InteractiveConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	QuietWindow time.Duration `mapstructure:"quiet_window"`
}

// BoundConfig is one end of a computed span: a token or a span match.
type BoundConfig struct {
	Token string                    `mapstructure:"token"`
	Match *optracez.MatchDefinition `mapstructure:"match"`
}

// ComputedSpanConfig declares a computed span.
type ComputedSpanConfig struct {
	Name  string      `mapstructure:"name"`
	Start BoundConfig `mapstructure:"start"`
	End   BoundConfig `mapstructure:"end"`
}

// ComputedValueConfig declares a computed value over the spans of Match.
// Aggregate is one of count, sum or exists; sum adds up Attribute.
type ComputedValueConfig struct {
	Name      string                    `mapstructure:"name"`
	Match     *optracez.MatchDefinition `mapstructure:"match"`
	Aggregate string                    `mapstructure:"aggregate"`
	Attribute string                    `mapstructure:"attribute"`
}

// PromotionConfig copies Attributes from spans matching Span onto the trace.
type PromotionConfig struct {
	Span       *optracez.MatchDefinition `mapstructure:"span"`
	Attributes []string                  `mapstructure:"attributes"`
}

// TraceConfig is the declarative form of a TraceDefinition.
type TraceConfig struct {
	Name                                  string                               `mapstructure:"name"`
	RelationSchema                        string                               `mapstructure:"relation_schema"`
	Variants                              map[string]optracez.Variant          `mapstructure:"variants"`
	RequiredSpans                         []*optracez.MatchDefinition          `mapstructure:"required_spans"`
	DebounceOnSpans                       []*optracez.MatchDefinition          `mapstructure:"debounce_on_spans"`
	InterruptOnSpans                      []*optracez.MatchDefinition          `mapstructure:"interrupt_on_spans"`
	SuppressErrorStatusPropagationOnSpans []*optracez.MatchDefinition          `mapstructure:"suppress_error_status_propagation_on_spans"`
	DebounceWindow                        time.Duration                        `mapstructure:"debounce_window"`
	CaptureInteractive                    *InteractiveConfig                   `mapstructure:"capture_interactive"`
	ComputedSpans                         []ComputedSpanConfig                 `mapstructure:"computed_spans"`
	ComputedValues                        []ComputedValueConfig                `mapstructure:"computed_values"`
	PromoteSpanAttributes                 []PromotionConfig                    `mapstructure:"promote_span_attributes"`
	HeritableSpanAttributes               []string                             `mapstructure:"heritable_span_attributes"`
	LabelMatching                         map[string]*optracez.MatchDefinition `mapstructure:"label_matching"`
	AdoptAsChildren                       []string                             `mapstructure:"adopt_as_children"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("manager.log_level", "info")
	v.SetDefault("manager.tick_tracking", true)
	v.SetDefault("manager.accept_spans_started_before_trace_start_threshold", optracez.DefaultAcceptSpansStartedBeforeTraceStartThreshold)
	v.SetDefault("manager.arena_capacity", optracez.DefaultArenaCapacity)
	v.SetDefault("manager.deduplication.enabled", false)
	v.SetDefault("manager.deduplication.window", time.Duration(0))
	return v
}

// Load reads the configuration file at path. With an empty path it looks for
// optracez.{yaml,toml,json} in the working directory and ./config, and falls
// back to defaults when none exists.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("optracez")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return decode(v)
}

// Read parses configuration of the given format (yaml, toml or json) from r.
func Read(r io.Reader, format string) (*Config, error) {
	v := newViper()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Schemas converts the relation schemas.
func (c *Config) Schemas() (map[string]optracez.RelationSchema, error) {
	out := make(map[string]optracez.RelationSchema, len(c.RelationSchemas))
	for name, keys := range c.RelationSchemas {
		schema := make(optracez.RelationSchema, len(keys))
		for key, kind := range keys {
			k := optracez.RelationKind(strings.ToLower(kind))
			switch k {
			case optracez.RelationString, optracez.RelationNumber, optracez.RelationBoolean, optracez.RelationAny:
			default:
				return nil, fmt.Errorf("relation schema %s: key %s: unknown kind %q", name, key, kind)
			}
			schema[key] = k
		}
		out[name] = schema
	}
	return out, nil
}

// Definitions compiles every trace configuration.
func (c *Config) Definitions() ([]*optracez.TraceDefinition, error) {
	defs := make([]*optracez.TraceDefinition, 0, len(c.Traces))
	var errs []error
	for i := range c.Traces {
		def, err := c.Traces[i].Definition()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return defs, nil
}

// Options builds manager options, including the logger and relation schemas.
func (c *Config) Options() ([]optracez.Option, error) {
	logger, err := c.Manager.Logger()
	if err != nil {
		return nil, err
	}
	schemas, err := c.Schemas()
	if err != nil {
		return nil, err
	}
	opts := []optracez.Option{
		optracez.WithLogger(logger),
		optracez.WithTickTracking(c.Manager.TickTracking),
		optracez.WithAcceptSpansStartedBeforeTraceStartThreshold(c.Manager.AcceptSpansStartedBeforeTraceStartThreshold),
		optracez.WithArenaCapacity(c.Manager.ArenaCapacity),
		optracez.WithRelationSchemas(schemas),
	}
	if len(c.Manager.HeritableSpanAttributes) > 0 {
		opts = append(opts, optracez.WithHeritableSpanAttributes(c.Manager.HeritableSpanAttributes...))
	}
	if d := c.Manager.Deduplication; d.Enabled {
		opts = append(opts, optracez.WithDeduplicationStrategy(optracez.NewEntryDeduplicationStrategy(d.Window, d.PreferNewer)))
	}
	return opts, nil
}

// Logger builds a production zap logger at LogLevel.
func (mc ManagerConfig) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(mc.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", mc.LogLevel, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg.Build()
}
