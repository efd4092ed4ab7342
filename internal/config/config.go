// Package config defines the proxy's CLI surface. Flags are resolved by
// cmd/srtla-rec/main.go using github.com/urfave/cli/v2, the flag library
// the pack's livekit-server teacher uses for its own server binary.
package config

// Config holds the fully-resolved runtime configuration, after flag
// parsing and defaulting.
type Config struct {
	SRTLAPort uint16
	SRTHost   string
	SRTPort   uint16
	Verbose   bool

	MetricsAddr     string
	MetricsDisabled bool
}

// Defaults matches the reference CLI's default_value()s in spec.md §6.
func Defaults() Config {
	return Config{
		SRTLAPort:   5000,
		SRTHost:     "127.0.0.1",
		SRTPort:     4001,
		Verbose:     false,
		MetricsAddr: "127.0.0.1:9099",
	}
}
