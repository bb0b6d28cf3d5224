package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. MMATE_TRANSPORT_KIND
const EnvPrefix = "MMATE"

// Load reads the YAML file at path, applies MMATE_* environment overrides
// and validates the result. An empty path loads defaults and environment
// only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, Defaults())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the file does not mention it
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("transport.kind", d.Transport.Kind)

	v.SetDefault("transport.rabbitmq.url", d.Transport.RabbitMQ.URL)
	v.SetDefault("transport.rabbitmq.connection_name", d.Transport.RabbitMQ.ConnectionName)
	v.SetDefault("transport.rabbitmq.channel_pool_size", d.Transport.RabbitMQ.ChannelPoolSize)
	v.SetDefault("transport.rabbitmq.confirm_timeout", d.Transport.RabbitMQ.ConfirmTimeout)
	v.SetDefault("transport.rabbitmq.reconnect_delay", d.Transport.RabbitMQ.ReconnectDelay)
	v.SetDefault("transport.rabbitmq.max_reconnect_delay", d.Transport.RabbitMQ.MaxReconnectDelay)
	v.SetDefault("transport.rabbitmq.single_active_consumer", d.Transport.RabbitMQ.SingleActiveConsumer)

	v.SetDefault("transport.redis.url", d.Transport.Redis.URL)
	v.SetDefault("transport.redis.key_prefix", d.Transport.Redis.KeyPrefix)
	v.SetDefault("transport.redis.group", d.Transport.Redis.Group)
	v.SetDefault("transport.redis.max_len", d.Transport.Redis.MaxLen)
	v.SetDefault("transport.redis.claim_idle", d.Transport.Redis.ClaimIdle)

	v.SetDefault("topology.entity_prefix", d.Topology.EntityPrefix)
	v.SetDefault("topology.queue_suffix", d.Topology.QueueSuffix)

	v.SetDefault("retry.limit", d.Retry.Limit)
	v.SetDefault("retry.interval", d.Retry.Interval)
	v.SetDefault("retry.exponential", d.Retry.Exponential)
	v.SetDefault("retry.max_interval", d.Retry.MaxInterval)
	v.SetDefault("retry.factor", d.Retry.Factor)

	v.SetDefault("prefetch_count", d.PrefetchCount)
	v.SetDefault("request_timeout", d.RequestTimeout)

	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("logging.level", d.Logging.Level)
}
