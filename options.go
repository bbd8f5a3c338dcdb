package jobs

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Options carries delivery and scheduling hints that travel with a push.
//
// Every field is optional. A nil field is "unset" and is omitted from the
// wire so the server applies its own default; an explicitly set zero value
// is sent as-is. Fields the client does not know about can be passed through
// Extra and are flattened into the serialized object.
//
// Options values are treated as immutable: the With* builders return a copy
// and the dispatcher never modifies the value it is given.
//
// Example:
//
//	opts := jobs.NewOptions().
//		WithPipeline("emails").
//		WithDelay(30 * time.Second).
//		WithAttempts(3)
//	id, err := q.Push(ctx, job, opts)
type Options struct {
	// Pipeline overrides the pipeline the server routes the job to.
	Pipeline *string `json:"pipeline,omitempty" yaml:"pipeline,omitempty" msgpack:"pipeline,omitempty"`

	// Delay postpones execution, in seconds.
	Delay *int `json:"delay,omitempty" yaml:"delay,omitempty" msgpack:"delay,omitempty"`

	// Attempts is the maximum number of execution attempts.
	Attempts *int `json:"maxAttempts,omitempty" yaml:"attempts,omitempty" msgpack:"maxAttempts,omitempty"`

	// RetryDelay is the pause between attempts, in seconds.
	RetryDelay *int `json:"retryDelay,omitempty" yaml:"retry_delay,omitempty" msgpack:"retryDelay,omitempty"`

	// Timeout bounds a single execution (reservation timeout), in seconds.
	Timeout *int `json:"timeout,omitempty" yaml:"timeout,omitempty" msgpack:"timeout,omitempty"`

	// Extra holds server options not modelled above. On the wire its entries
	// sit next to the typed fields.
	Extra map[string]any `json:"-" yaml:"extra,omitempty" msgpack:"-"`
}

// NewOptions returns an Options value with every field unset.
func NewOptions() *Options {
	return &Options{}
}

// Clone returns a deep copy of o. Cloning a nil Options yields an empty value.
func (o *Options) Clone() *Options {
	if o == nil {
		return &Options{}
	}

	c := &Options{
		Pipeline:   clonePtr(o.Pipeline),
		Delay:      clonePtr(o.Delay),
		Attempts:   clonePtr(o.Attempts),
		RetryDelay: clonePtr(o.RetryDelay),
		Timeout:    clonePtr(o.Timeout),
	}
	if o.Extra != nil {
		c.Extra = maps.Clone(o.Extra)
	}
	return c
}

// IsZero reports whether every field is unset.
func (o *Options) IsZero() bool {
	return o == nil || (o.Pipeline == nil && o.Delay == nil && o.Attempts == nil &&
		o.RetryDelay == nil && o.Timeout == nil && len(o.Extra) == 0)
}

// WithPipeline returns a copy of o with the pipeline set.
func (o *Options) WithPipeline(pipeline string) *Options {
	c := o.Clone()
	c.Pipeline = &pipeline
	return c
}

// WithDelay returns a copy of o with the delay set, rounded up to whole seconds.
func (o *Options) WithDelay(d time.Duration) *Options {
	c := o.Clone()
	c.Delay = seconds(d)
	return c
}

// WithAttempts returns a copy of o with the maximum attempt count set.
func (o *Options) WithAttempts(attempts int) *Options {
	c := o.Clone()
	c.Attempts = &attempts
	return c
}

// WithRetryDelay returns a copy of o with the retry delay set.
func (o *Options) WithRetryDelay(d time.Duration) *Options {
	c := o.Clone()
	c.RetryDelay = seconds(d)
	return c
}

// WithTimeout returns a copy of o with the execution timeout set.
func (o *Options) WithTimeout(d time.Duration) *Options {
	c := o.Clone()
	c.Timeout = seconds(d)
	return c
}

// WithExtra returns a copy of o carrying an additional server option.
func (o *Options) WithExtra(key string, value any) *Options {
	c := o.Clone()
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[key] = value
	return c
}

// Merge returns a new Options where fields set on o take precedence and
// unset fields are taken from defaults. Neither input is modified.
func (o *Options) Merge(defaults *Options) *Options {
	c := o.Clone()
	if defaults == nil {
		return c
	}

	if c.Pipeline == nil {
		c.Pipeline = clonePtr(defaults.Pipeline)
	}
	if c.Delay == nil {
		c.Delay = clonePtr(defaults.Delay)
	}
	if c.Attempts == nil {
		c.Attempts = clonePtr(defaults.Attempts)
	}
	if c.RetryDelay == nil {
		c.RetryDelay = clonePtr(defaults.RetryDelay)
	}
	if c.Timeout == nil {
		c.Timeout = clonePtr(defaults.Timeout)
	}
	for k, v := range defaults.Extra {
		if _, ok := c.Extra[k]; ok {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return c
}

// DelayDuration returns the delay, or zero when unset.
func (o *Options) DelayDuration() time.Duration {
	if o == nil || o.Delay == nil {
		return 0
	}
	return time.Duration(*o.Delay) * time.Second
}

// RetryDelayDuration returns the retry delay, or zero when unset.
func (o *Options) RetryDelayDuration() time.Duration {
	if o == nil || o.RetryDelay == nil {
		return 0
	}
	return time.Duration(*o.RetryDelay) * time.Second
}

// TimeoutDuration returns the execution timeout, or zero when unset.
func (o *Options) TimeoutDuration() time.Duration {
	if o == nil || o.Timeout == nil {
		return 0
	}
	return time.Duration(*o.Timeout) * time.Second
}

// CanRetry reports whether another attempt is allowed after attempt
// (zero-based) failed. Unset Attempts means a single attempt.
func (o *Options) CanRetry(attempt int) bool {
	if o == nil || o.Attempts == nil {
		return false
	}
	return *o.Attempts > attempt+1
}

// optionsAlias has the same fields as Options without its methods, so that
// MarshalJSON and UnmarshalJSON do not recurse.
type optionsAlias Options

// knownOptionKeys are the JSON keys owned by the typed fields.
var knownOptionKeys = []string{"pipeline", "delay", "maxAttempts", "retryDelay", "timeout"}

// MarshalJSON flattens Extra into the object. Typed fields win over Extra
// entries with the same key.
func (o Options) MarshalJSON() ([]byte, error) {
	typed, err := json.Marshal(optionsAlias(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return typed, nil
	}

	out := make(map[string]any, len(o.Extra)+len(knownOptionKeys))
	for k, v := range o.Extra {
		out[k] = v
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(typed, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON fills the typed fields and keeps unknown keys in Extra.
func (o *Options) UnmarshalJSON(data []byte) error {
	var typed optionsAlias
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range knownOptionKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		typed.Extra = all
	} else {
		typed.Extra = nil
	}

	*o = Options(typed)
	return nil
}

// EncodeMsgpack writes the same flat object as MarshalJSON.
func (o Options) EncodeMsgpack(enc *msgpack.Encoder) error {
	out := make(map[string]any, len(o.Extra)+len(knownOptionKeys))
	for k, v := range o.Extra {
		out[k] = v
	}
	if o.Pipeline != nil {
		out["pipeline"] = *o.Pipeline
	}
	for key, field := range o.intFields() {
		if *field != nil {
			out[key] = **field
		}
	}
	return enc.Encode(out)
}

// DecodeMsgpack reads the flat object written by EncodeMsgpack and keeps
// unknown keys in Extra.
func (o *Options) DecodeMsgpack(dec *msgpack.Decoder) error {
	all, err := dec.DecodeMap()
	if err != nil {
		return err
	}

	var decoded Options
	if v, ok := all["pipeline"]; ok && v != nil {
		pipeline, ok := v.(string)
		if !ok {
			return fmt.Errorf("option pipeline: expected a string, got %T", v)
		}
		decoded.Pipeline = &pipeline
	}
	for key, field := range decoded.intFields() {
		v, ok := all[key]
		if !ok || v == nil {
			continue
		}
		n, err := intValue(key, v)
		if err != nil {
			return err
		}
		*field = &n
	}

	for _, k := range knownOptionKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		decoded.Extra = all
	}

	*o = decoded
	return nil
}

// intFields maps the wire key of every integer field to the field.
func (o *Options) intFields() map[string]**int {
	return map[string]**int{
		"delay":       &o.Delay,
		"maxAttempts": &o.Attempts,
		"retryDelay":  &o.RetryDelay,
		"timeout":     &o.Timeout,
	}
}

// intValue converts a decoded msgpack number of any width to int.
func intValue(key string, v any) (int, error) {
	rv := reflect.ValueOf(v)
	switch {
	case rv.CanInt():
		return int(rv.Int()), nil
	case rv.CanUint():
		return int(rv.Uint()), nil
	case rv.CanFloat():
		return int(rv.Float()), nil
	default:
		return 0, fmt.Errorf("option %s: expected a number, got %T", key, v)
	}
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// seconds converts d to whole seconds, rounding a positive remainder up so
// that a short duration never becomes an explicit zero.
func seconds(d time.Duration) *int {
	s := int(d / time.Second)
	if d%time.Second > 0 {
		s++
	}
	return &s
}
