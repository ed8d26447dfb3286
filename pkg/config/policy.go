package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/authz"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/canonicalize"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/contracts"
	"github.com/slucerodev/ExoArmur-Core-sub001/pkg/reliability"
)

// SupportedPolicyVersions is the policy_version range this build accepts.
const SupportedPolicyVersions = ">=1.0.0, <2.0.0"

const policySchemaURL = "https://exoarmur.local/schemas/policy.schema.json"

//go:embed policy.schema.json
var policySchema string

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ApprovalPolicy configures approval requests.
type ApprovalPolicy struct {
	DefaultTTL Duration `yaml:"default_ttl" json:"default_ttl"`
}

// AuthzPolicy holds the CEL authorization condition.
type AuthzPolicy struct {
	Condition string `yaml:"condition" json:"condition"`
}

// RetryPolicy mirrors reliability.RetryPolicy with string durations.
type RetryPolicy struct {
	MaxAttempts  int      `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay    Duration `yaml:"base_delay" json:"base_delay"`
	Multiplier   float64  `yaml:"multiplier" json:"multiplier"`
	MaxDelay     Duration `yaml:"max_delay" json:"max_delay"`
	JitterFactor float64  `yaml:"jitter_factor" json:"jitter_factor"`
}

// RateLimits holds the global and per-tenant token buckets.
type RateLimits struct {
	Global reliability.Limit `yaml:"global" json:"global"`
	Tenant reliability.Limit `yaml:"tenant" json:"tenant"`
}

// BreakerPolicy configures every circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int      `yaml:"failure_threshold" json:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown" json:"cooldown"`
}

// QueuePolicy configures the dispatcher queue.
type QueuePolicy struct {
	Capacity   int                  `yaml:"capacity" json:"capacity"`
	DropPolicy contracts.DropPolicy `yaml:"drop_policy" json:"drop_policy"`
}

// DispatcherPolicy bounds dispatcher concurrency.
type DispatcherPolicy struct {
	Concurrency int `yaml:"concurrency" json:"concurrency"`
}

// Policy is the governance policy. Sections left out of the file keep the
// values of DefaultPolicy.
type Policy struct {
	PolicyVersion  string              `yaml:"policy_version" json:"policy_version"`
	Approval       ApprovalPolicy      `yaml:"approval" json:"approval"`
	Authz          AuthzPolicy         `yaml:"authz" json:"authz"`
	Timeouts       map[string]Duration `yaml:"timeouts" json:"timeouts"`
	Retry          RetryPolicy         `yaml:"retry" json:"retry"`
	RateLimits     RateLimits          `yaml:"rate_limits" json:"rate_limits"`
	CircuitBreaker BreakerPolicy       `yaml:"circuit_breaker" json:"circuit_breaker"`
	Queue          QueuePolicy         `yaml:"queue" json:"queue"`
	Dispatcher     DispatcherPolicy    `yaml:"dispatcher" json:"dispatcher"`
}

// DefaultPolicy is used when no policy file is configured.
func DefaultPolicy() *Policy {
	r := reliability.DefaultRetryPolicy()
	return &Policy{
		PolicyVersion: "1.0.0",
		Approval:      ApprovalPolicy{DefaultTTL: Duration(15 * time.Minute)},
		Authz:         AuthzPolicy{Condition: authz.DefaultCondition},
		Timeouts:      map[string]Duration{reliability.DefaultCategory: Duration(10 * time.Second)},
		Retry: RetryPolicy{
			MaxAttempts:  r.MaxAttempts,
			BaseDelay:    Duration(r.BaseDelay),
			Multiplier:   r.Multiplier,
			MaxDelay:     Duration(r.MaxDelay),
			JitterFactor: r.JitterFactor,
		},
		RateLimits: RateLimits{
			Global: reliability.Limit{Rate: 100, Burst: 200},
			Tenant: reliability.Limit{Rate: 10, Burst: 20},
		},
		CircuitBreaker: BreakerPolicy{FailureThreshold: 5, Cooldown: Duration(30 * time.Second)},
		Queue:          QueuePolicy{Capacity: 128, DropPolicy: contracts.DropRejectNew},
		Dispatcher:     DispatcherPolicy{Concurrency: 4},
	}
}

// LoadPolicy reads a policy file. An empty path returns DefaultPolicy.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		p := DefaultPolicy()
		return p, p.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &contracts.ConfigurationError{Field: "policy_file", Err: fmt.Errorf("load policy %q: %w", path, err)}
	}
	return ParsePolicy(data)
}

// ParsePolicy validates a YAML policy document against the schema and the
// supported version range, then decodes it over DefaultPolicy.
func ParsePolicy(data []byte) (*Policy, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &contracts.ConfigurationError{Field: "policy", Err: fmt.Errorf("parse policy: %w", err)}
	}
	if doc == nil {
		return nil, &contracts.ConfigurationError{Field: "policy", Err: errors.New("policy document is empty")}
	}
	if err := validateSchema(doc); err != nil {
		return nil, &contracts.ConfigurationError{Field: "policy", Err: err}
	}

	p := DefaultPolicy()
	// Explicit timeouts replace the default table rather than merging into it.
	p.Timeouts = nil
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, &contracts.ConfigurationError{Field: "policy", Err: fmt.Errorf("decode policy: %w", err)}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

var schema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(policySchemaURL, strings.NewReader(policySchema)); err != nil {
		return nil, fmt.Errorf("policy schema load failed: %w", err)
	}
	s, err := c.Compile(policySchemaURL)
	if err != nil {
		return nil, fmt.Errorf("policy schema compile failed: %w", err)
	}
	return s, nil
})

// validateSchema checks a decoded YAML document. The document is passed
// through JSON first so the validator sees JSON types.
func validateSchema(doc any) error {
	s, err := schema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("policy is not representable as JSON: %w", err)
	}
	var v any
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	if err := d.Decode(&v); err != nil {
		return err
	}
	return s.Validate(v)
}

// Validate checks the version range, the authorization condition and every
// substrate section.
func (p *Policy) Validate() error {
	v, err := semver.NewVersion(p.PolicyVersion)
	if err != nil {
		return &contracts.ConfigurationError{Field: "policy_version", Err: fmt.Errorf("invalid version %q: %w", p.PolicyVersion, err)}
	}
	c, err := semver.NewConstraint(SupportedPolicyVersions)
	if err != nil {
		return &contracts.ConfigurationError{Field: "policy_version", Err: err}
	}
	if !c.Check(v) {
		return &contracts.ConfigurationError{Field: "policy_version", Err: fmt.Errorf("%s is outside supported range %s", v, SupportedPolicyVersions)}
	}
	if _, err := authz.NewEvaluator(p.Authz.Condition); err != nil {
		return &contracts.ConfigurationError{Field: "authz.condition", Err: err}
	}
	if p.Approval.DefaultTTL <= 0 {
		return &contracts.ConfigurationError{Field: "approval.default_ttl", Err: errors.New("must be positive")}
	}
	if p.Queue.Capacity < 1 {
		return &contracts.ConfigurationError{Field: "queue.capacity", Err: errors.New("must be at least 1")}
	}
	if !p.Queue.DropPolicy.Known() {
		return &contracts.ConfigurationError{Field: "queue.drop_policy", Err: fmt.Errorf("unknown policy %q", p.Queue.DropPolicy)}
	}
	if p.Dispatcher.Concurrency < 1 {
		return &contracts.ConfigurationError{Field: "dispatcher.concurrency", Err: errors.New("must be at least 1")}
	}
	return p.Guard().Validate()
}

// Guard converts the substrate sections.
func (p *Policy) Guard() reliability.GuardConfig {
	timeouts := make(reliability.Timeouts, len(p.Timeouts))
	for k, v := range p.Timeouts {
		timeouts[k] = time.Duration(v)
	}
	return reliability.GuardConfig{
		Timeouts: timeouts,
		Retry: reliability.RetryPolicy{
			MaxAttempts:  p.Retry.MaxAttempts,
			BaseDelay:    time.Duration(p.Retry.BaseDelay),
			Multiplier:   p.Retry.Multiplier,
			MaxDelay:     time.Duration(p.Retry.MaxDelay),
			JitterFactor: p.Retry.JitterFactor,
		},
		Breaker: reliability.BreakerConfig{
			FailureThreshold: p.CircuitBreaker.FailureThreshold,
			Cooldown:         time.Duration(p.CircuitBreaker.Cooldown),
		},
		GlobalLimit: p.RateLimits.Global,
		TenantLimit: p.RateLimits.Tenant,
	}
}

// Categories lists the configured timeout categories in order.
func (p *Policy) Categories() []string {
	out := make([]string, 0, len(p.Timeouts))
	for k := range p.Timeouts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Hash is the canonical digest of the effective policy.
func (p *Policy) Hash() (string, error) {
	return canonicalize.Hash(p)
}
