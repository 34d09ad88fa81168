package config

import (
	"fmt"
	"time"
)

type Config struct {
	ServerAddr     string
	RedisAddr      string
	MessageWindow  time.Duration
	AllowedOrigins []string
}

func NewConfig(serverAddr, redisAddr string, messageWindow time.Duration, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if redisAddr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	if messageWindow <= 0 {
		return nil, fmt.Errorf("message window must be positive")
	}

	return &Config{
		ServerAddr:     serverAddr,
		RedisAddr:      redisAddr,
		MessageWindow:  messageWindow,
		AllowedOrigins: allowedOrigins,
	}, nil
}
