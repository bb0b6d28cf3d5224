package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// Validate reports every invalid setting at once
func (c *Config) Validate() error {
	var errs []error
	errs = append(errs, validateTransport(c.Transport)...)
	errs = append(errs, validateRetry("retry", c.Retry)...)

	if c.PrefetchCount < 1 {
		errs = append(errs, &ValidationError{
			Field:   "prefetch_count",
			Message: fmt.Sprintf("prefetch count must be positive, got %d", c.PrefetchCount),
		})
	}
	if c.RequestTimeout < 0 {
		errs = append(errs, &ValidationError{
			Field:   "request_timeout",
			Message: "request timeout must not be negative",
		})
	}

	seen := map[string]bool{}
	for i, e := range c.Endpoints {
		field := fmt.Sprintf("endpoints[%d]", i)
		switch {
		case e.Queue == "":
			errs = append(errs, &ValidationError{Field: field + ".queue", Message: "queue is required"})
		case seen[e.Queue]:
			errs = append(errs, &ValidationError{Field: field + ".queue", Message: fmt.Sprintf("duplicate endpoint %q", e.Queue)})
		}
		seen[e.Queue] = true
		if e.PrefetchCount < 0 {
			errs = append(errs, &ValidationError{Field: field + ".prefetch_count", Message: "prefetch count must not be negative"})
		}
		if e.Retry != nil {
			errs = append(errs, validateRetry(field+".retry", *e.Retry)...)
		}
	}

	for i, o := range c.Topology.EntityNames {
		if o.Type == "" || o.Name == "" {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("topology.entity_names[%d]", i),
				Message: "type and name are required",
			})
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, &ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)})
	}

	return errors.Join(errs...)
}

func validateTransport(cfg TransportConfig) []error {
	var errs []error
	switch cfg.Kind {
	case TransportInMemory, TransportWatermill:
	case TransportRabbitMQ:
		if err := validateURL("transport.rabbitmq.url", cfg.RabbitMQ.URL, "amqp", "amqps"); err != nil {
			errs = append(errs, err)
		}
		if cfg.RabbitMQ.ChannelPoolSize < 1 {
			errs = append(errs, &ValidationError{Field: "transport.rabbitmq.channel_pool_size", Message: "channel pool size must be positive"})
		}
	case TransportRedis:
		if err := validateURL("transport.redis.url", cfg.Redis.URL, "redis", "rediss"); err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "transport.kind",
			Message: fmt.Sprintf("must be one of %s, %s, %s, %s; got %q", TransportInMemory, TransportRabbitMQ, TransportRedis, TransportWatermill, cfg.Kind),
		})
	}
	return errs
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: field, Message: "must be an absolute url"}
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return &ValidationError{Field: field, Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
}

func validateRetry(field string, r RetryConfig) []error {
	var errs []error
	if r.Limit < 0 {
		errs = append(errs, &ValidationError{Field: field + ".limit", Message: "limit must not be negative"})
	}
	if r.Interval < 0 {
		errs = append(errs, &ValidationError{Field: field + ".interval", Message: "interval must not be negative"})
	}
	if r.Exponential && r.MaxInterval < r.Interval {
		errs = append(errs, &ValidationError{Field: field + ".max_interval", Message: "max interval must be at least interval"})
	}
	for i, d := range r.Intervals {
		if d < 0 {
			errs = append(errs, &ValidationError{Field: fmt.Sprintf("%s.intervals[%d]", field, i), Message: "interval must not be negative"})
		}
	}
	return errs
}
