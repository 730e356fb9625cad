package domain

import "time"

// TranscriberConfig configures the speech-to-text provider
type TranscriberConfig struct {
	Mode       string        `json:"mode" yaml:"mode"`             // "local" or "remote"
	LocalURL   string        `json:"local_url" yaml:"local_url"`   // "http://localhost:9000"
	RemoteURL  string        `json:"remote_url" yaml:"remote_url"` // "https://api.deepgram.com"
	APIKey     string        `json:"api_key" yaml:"api_key"`       // Encrypted in storage
	Model      string        `json:"model" yaml:"model"`           // "nova-2"
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
	RateLimit  float64       `json:"rate_limit" yaml:"rate_limit"` // requests per second, 0 disables
	RateBurst  int           `json:"rate_burst" yaml:"rate_burst"`
	BreakerOff bool          `json:"breaker_off,omitempty" yaml:"breaker_off"`
}

// SuiteDefaults are applied when a suite run is started without explicit values.
type SuiteDefaults struct {
	Concurrency   int     `json:"concurrency" yaml:"concurrency"`
	Limit         int     `json:"limit" yaml:"limit"`
	PassThreshold float64 `json:"pass_threshold" yaml:"pass_threshold"`
}

// AppConfig is the runtime-tunable configuration managed by the settings store
type AppConfig struct {
	Transcriber TranscriberConfig `json:"transcriber" yaml:"transcriber"`
	Suite       SuiteDefaults     `json:"suite" yaml:"suite"`
}

// DefaultConfig returns safe defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Transcriber: TranscriberConfig{
			Mode:      "local",
			LocalURL:  "http://localhost:9000",
			RemoteURL: "https://api.deepgram.com",
			Model:     "nova-2",
			Timeout:   2 * time.Minute,
			RateLimit: 5,
			RateBurst: 5,
		},
		Suite: SuiteDefaults{
			Concurrency:   3,
			Limit:         50,
			PassThreshold: 0.15,
		},
	}
}
