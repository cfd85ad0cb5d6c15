// Package config holds the daemon's runtime settings.
package config

import "time"

// Config defines the behavior of a burrow daemon instance.
type Config struct {
	// Port is the UDP port to serve the DHT on. 0 picks an ephemeral
	// port.
	Port int

	// BootstrapNodes are host:port seeds contacted at startup. Nil
	// means the well-known public routers; a non-nil empty list
	// contacts no seeds.
	BootstrapNodes []string

	// DisableBootstrap starts the node cold, with an empty routing
	// table and no startup self-lookup.
	DisableBootstrap bool

	// QueryTimeout bounds each outbound KRPC query.
	QueryTimeout time.Duration

	// MetricsAddr is the HTTP listen address for the Prometheus
	// endpoint. Empty disables the listener.
	MetricsAddr string

	// Debug lowers the log level to debug.
	Debug bool
}

// Default returns the settings a bare `burrow` invocation runs with.
func Default() Config {
	return Config{
		Port:         6881,
		QueryTimeout: 2 * time.Second,
		MetricsAddr:  "",
	}
}
