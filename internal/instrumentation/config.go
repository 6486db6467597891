package instrumentation

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config controls the gateway's telemetry stack. Every field has an
// environment-variable counterpart applied by DefaultConfig, so deployments
// normally configure instrumentation without flags.
type Config struct {
	// ServiceName identifies this service in exported telemetry.
	ServiceName string

	// ServiceVersion is injected at startup from the build version.
	ServiceVersion string

	// ServiceInstanceID distinguishes replicas; in Kubernetes this is the
	// pod name. Defaults to the hostname when empty.
	ServiceInstanceID string

	// K8sNamespace and K8sPodName are attached as resource attributes when
	// the downward API provides them.
	K8sNamespace string
	K8sPodName   string

	// Enabled turns the whole stack on or off (INSTRUMENTATION_ENABLED).
	// When false, metrics and tracing become no-ops.
	Enabled bool

	// MetricsExporter is one of "prometheus", "otlp", "stdout".
	MetricsExporter string

	// TracingExporter is one of "otlp", "stdout", "none".
	TracingExporter string

	// OTLPEndpoint is the collector address without a scheme prefix,
	// e.g. "localhost:4318". Required for the otlp exporters.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP export. Spans and metric labels
	// include tool names and client ids; keep transport encrypted outside
	// local development.
	OTLPInsecure bool

	// TraceSamplingRate is the head sampling ratio in [0, 1].
	TraceSamplingRate float64

	// PrometheusEndpoint is the scrape path on the metrics server.
	PrometheusEndpoint string

	// DetailedLabels admits high-cardinality labels such as OAuth client
	// ids on tool metrics. Leave off in production unless the client
	// population is known to be small.
	DetailedLabels bool

	// AuditLogging configures the audit trail of tool invocations.
	AuditLogging AuditLoggingConfig
}

// AuditLoggingConfig controls the audit trail. Audit records identify who
// invoked which tool and should be routed to access-controlled storage.
type AuditLoggingConfig struct {
	Enabled bool

	// IncludeSubject logs the raw token subject instead of the anonymized
	// hash. Only enable where compliance requires attributable records and
	// the log sink is restricted.
	IncludeSubject bool

	// LogLevel sets the slog level audit records are emitted at. Audit
	// events are emitted regardless of the handler's minimum level.
	LogLevel string
}

// DefaultConfig reads the instrumentation environment and fills in defaults:
// Prometheus metrics, no tracing, 10% sampling if tracing is turned on.
func DefaultConfig() Config {
	return Config{
		ServiceName:        getEnvOrDefault("OTEL_SERVICE_NAME", "kura-mcp"),
		ServiceVersion:     "unknown",
		ServiceInstanceID:  getEnvOrDefault("OTEL_SERVICE_INSTANCE_ID", ""),
		K8sNamespace:       getEnvOrDefault("K8S_NAMESPACE", getEnvOrDefault("POD_NAMESPACE", "")),
		K8sPodName:         getEnvOrDefault("K8S_POD_NAME", getEnvOrDefault("HOSTNAME", "")),
		Enabled:            getEnvBoolOrDefault("INSTRUMENTATION_ENABLED", true),
		MetricsExporter:    getEnvOrDefault("METRICS_EXPORTER", ExporterPrometheus),
		TracingExporter:    getEnvOrDefault("TRACING_EXPORTER", ExporterNone),
		OTLPEndpoint:       getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTLPInsecure:       getEnvBoolOrDefault("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSamplingRate:  getEnvFloatOrDefault("OTEL_TRACES_SAMPLER_ARG", 0.1),
		PrometheusEndpoint: getEnvOrDefault("PROMETHEUS_ENDPOINT", "/metrics"),
		DetailedLabels:     getEnvBoolOrDefault("METRICS_DETAILED_LABELS", false),
		AuditLogging: AuditLoggingConfig{
			Enabled:        getEnvBoolOrDefault("AUDIT_LOGGING_ENABLED", true),
			IncludeSubject: getEnvBoolOrDefault("AUDIT_LOGGING_INCLUDE_SUBJECT", false),
			LogLevel:       getEnvOrDefault("AUDIT_LOGGING_LEVEL", "info"),
		},
	}
}

// Validate rejects configurations the provider could not start with.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	switch c.MetricsExporter {
	case "", ExporterPrometheus, ExporterOTLP, ExporterStdout:
	default:
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}

	switch c.TracingExporter {
	case "", ExporterOTLP, ExporterStdout, ExporterNone:
	default:
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.TracingExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
	}
	if c.MetricsExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Label values shared by the metric recorders.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"

	// Upstream service names
	ServiceNotes      = "notes"
	ServiceEmbeddings = "embeddings"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	DefaultMetricInterval = 10 * time.Second
)
