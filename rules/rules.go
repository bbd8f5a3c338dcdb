// Package rules maps routing names to default options with CEL expressions.
//
// A rule set is an ordered list of {match, options}. The first rule whose
// match expression evaluates to true for a routing name supplies the default
// options of that job; explicit options on the push still win. Expressions
// see two variables:
//
//	job       string        the routing name, e.g. "Acme.Mail.SendEmail"
//	segments  list(string)  the name split on '.', e.g. ["Acme", "Mail", "SendEmail"]
//
// Example:
//
//	set, err := rules.Compile([]rules.Rule{
//	    {Match: `job.startsWith("Acme.Mail.")`, Options: *jobs.NewOptions().WithPipeline("emails")},
//	    {Match: `segments[0] == "Billing"`, Options: *jobs.NewOptions().WithAttempts(5)},
//	})
//	q, err := jobs.NewDispatcher(t, jobs.WithDefaults(set))
package rules

import (
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/google/cel-go/cel"

	"github.com/zero-day-ai/jobs"
)

// Rule binds default options to the routing names matched by a CEL expression.
type Rule struct {
	// Match is a boolean CEL expression over job and segments.
	Match string `yaml:"match" json:"match" validate:"required"`

	// Options are the defaults applied to matching jobs.
	Options jobs.Options `yaml:"options" json:"options"`
}

// Option configures a Set.
type Option func(*setConfig)

type setConfig struct {
	cacheSize int64
}

// WithCacheSize bounds the number of routing names whose outcome is cached.
// Zero disables caching.
func WithCacheSize(n int64) Option {
	return func(c *setConfig) {
		if n >= 0 {
			c.cacheSize = n
		}
	}
}

type compiled struct {
	match   string
	program cel.Program
	options *jobs.Options
}

// entry is a cached outcome. A nil options means no rule matched.
type entry struct {
	options *jobs.Options
}

// Set is a compiled, ordered rule list. It implements jobs.DefaultsProvider
// and is safe for concurrent use.
type Set struct {
	rules []compiled
	cache *ristretto.Cache[string, entry]
}

var _ jobs.DefaultsProvider = (*Set)(nil)

// NewEnv returns the CEL environment rule expressions are checked against.
func NewEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("job", cel.StringType),
		cel.Variable("segments", cel.ListType(cel.StringType)),
	)
}

// Compile type-checks every rule. Expressions must evaluate to bool.
func Compile(rules []Rule, opts ...Option) (*Set, error) {
	cfg := &setConfig{cacheSize: 1024}
	for _, opt := range opts {
		opt(cfg)
	}

	env, err := NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	set := &Set{rules: make([]compiled, 0, len(rules))}
	for i, r := range rules {
		if strings.TrimSpace(r.Match) == "" {
			return nil, fmt.Errorf("rule %d: match expression is empty", i)
		}

		ast, iss := env.Compile(r.Match)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %d: %w", i, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %d: expression %q must return bool, got %s", i, r.Match, ast.OutputType())
		}

		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		set.rules = append(set.rules, compiled{
			match:   r.Match,
			program: prg,
			options: r.Options.Clone(),
		})
	}

	if cfg.cacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, entry]{
			NumCounters: cfg.cacheSize * 10,
			MaxCost:     cfg.cacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create rule cache: %w", err)
		}
		set.cache = cache
	}

	return set, nil
}

// Len returns the number of rules.
func (s *Set) Len() int {
	return len(s.rules)
}

// OptionsFor returns a copy of the options of the first rule matching name,
// or nil when no rule matches.
func (s *Set) OptionsFor(name string) (*jobs.Options, error) {
	if s.cache != nil {
		if e, ok := s.cache.Get(name); ok {
			return cloneOrNil(e.options), nil
		}
	}

	opts, err := s.evaluate(name)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(name, entry{options: opts}, 1)
	}
	return cloneOrNil(opts), nil
}

func (s *Set) evaluate(name string) (*jobs.Options, error) {
	vars := map[string]any{
		"job":      name,
		"segments": strings.Split(name, "."),
	}

	for i, r := range s.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.match, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return r.options, nil
		}
	}
	return nil, nil
}

// Close releases the cache.
func (s *Set) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

func cloneOrNil(o *jobs.Options) *jobs.Options {
	if o == nil {
		return nil
	}
	return o.Clone()
}
