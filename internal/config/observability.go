package config

// Observability holds observability configuration.
type Observability struct {
	OTelEnabled bool `env:"BACKLOG_OTEL_ENABLED" default:"false"`
}
