package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("nodeId", defaultNodeID())
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.address", ":9320")
	v.SetDefault("server.httpAddress", ":9321")
	v.SetDefault("server.protocol", "text")
	v.SetDefault("server.auth.mode", "static")
	v.SetDefault("server.maxConnsPerIP", 0)
	v.SetDefault("server.sweepInterval", "30s")
	v.SetDefault("transport.readerIdle", "60s")
	v.SetDefault("cluster.enabled", false)
	v.SetDefault("cluster.type", "")
	v.SetDefault("cluster.redis.addr", "127.0.0.1:6379")
	v.SetDefault("cluster.kafka.groupPrefix", "atomicio.")
	v.SetDefault("client.protocol", "text")
	v.SetDefault("client.connectTimeout", "10s")
	v.SetDefault("client.heartbeat", true)
	v.SetDefault("client.writerIdle", "30s")
	v.SetDefault("client.reconnect", true)
	v.SetDefault("client.initialReconnectDelay", "1s")
	v.SetDefault("client.maxReconnectDelay", "60s")

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// 3. Set up environment variable handling
	v.SetEnvPrefix("ATOMICIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "node-1"
	}
	return host
}
