package ratelimit

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// PolicyLiveQueries limits metrics queries answered by live SQL.
const PolicyLiveQueries = "live_queries"

// Policies maps a request class to its limiter config.
type Policies struct {
	RateLimits map[string]Config `yaml:"rate_limits" json:"rate_limits"`
}

// LoadPolicies loads YAML bytes into Policies.
func LoadPolicies(data []byte) (Policies, error) {
	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policies{}, err
	}
	return p.WithDefaults(), nil
}

// WithDefaults fills every entry and guarantees the live query policy exists.
func (p Policies) WithDefaults() Policies {
	out := Policies{RateLimits: make(map[string]Config, len(p.RateLimits)+1)}
	for name, cfg := range p.RateLimits {
		out.RateLimits[name] = applyDefaults(cfg)
	}
	if _, ok := out.RateLimits[PolicyLiveQueries]; !ok {
		out.RateLimits[PolicyLiveQueries] = DefaultConfig()
	}
	return out
}

// Get returns limiter config for a request class or default if missing.
func (p Policies) Get(name string) (Config, error) {
	if p.RateLimits == nil {
		return DefaultConfig(), fmt.Errorf("no rate_limits configured")
	}
	cfg, ok := p.RateLimits[name]
	if !ok {
		return DefaultConfig(), fmt.Errorf("rate_limits for %s not found", name)
	}
	return applyDefaults(cfg), nil
}
