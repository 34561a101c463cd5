package config

import "time"

type Config struct {
	NodeID    string          `mapstructure:"nodeId"`
	LogLevel  string          `mapstructure:"logLevel"`
	Server    ServerConfig    `mapstructure:"server"`
	Transport TransportConfig `mapstructure:"transport"`
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Client    ClientConfig    `mapstructure:"client"`
}

type ServerConfig struct {
	// Address is the TCP listen address for raw socket clients.
	Address string `mapstructure:"address"`
	// HTTPAddress serves the websocket endpoint and /metrics.
	HTTPAddress string     `mapstructure:"httpAddress"`
	Protocol    string     `mapstructure:"protocol"` // "text" or "binary"
	Auth        AuthConfig `mapstructure:"auth"`
	// MaxConnsPerIP bounds websocket connections per client IP; 0 disables.
	MaxConnsPerIP int `mapstructure:"maxConnsPerIP"`
	// SweepInterval is how often idle sessions are reaped.
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type AuthConfig struct {
	// Mode selects the built-in authenticator: "static" or "jwt". Embedders
	// wiring their own Authenticator leave this alone.
	Mode      string            `mapstructure:"mode"`
	JWTSecret string            `mapstructure:"jwtSecret"`
	Users     map[string]string `mapstructure:"users"`
}

type TransportConfig struct {
	// ReaderIdle is the expected maximum inbound silence; a connection quiet
	// for a grace multiple of this is torn down.
	ReaderIdle time.Duration `mapstructure:"readerIdle"`
	// MaxFrameText / MaxFrameBinary bound frame sizes per codec; zero uses
	// the codec defaults (1024 text, 65536 binary).
	MaxFrameText   int `mapstructure:"maxFrameText"`
	MaxFrameBinary int `mapstructure:"maxFrameBinary"`
}

type ClusterConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Type is one of redis, rocketmq, rabbitmq, kafka, nats. Unrecognized
	// values normalize to unknown and the node runs unclustered.
	Type string `mapstructure:"type"`

	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`

	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`

	Kafka struct {
		Brokers     []string `mapstructure:"brokers"`
		GroupPrefix string   `mapstructure:"groupPrefix"`
	} `mapstructure:"kafka"`

	RabbitMQ struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"rabbitmq"`
}

type ClientConfig struct {
	Addr                  string        `mapstructure:"addr"`
	Protocol              string        `mapstructure:"protocol"`
	ConnectTimeout        time.Duration `mapstructure:"connectTimeout"`
	Heartbeat             bool          `mapstructure:"heartbeat"`
	WriterIdle            time.Duration `mapstructure:"writerIdle"`
	Reconnect             bool          `mapstructure:"reconnect"`
	InitialReconnectDelay time.Duration `mapstructure:"initialReconnectDelay"`
	MaxReconnectDelay     time.Duration `mapstructure:"maxReconnectDelay"`
}
