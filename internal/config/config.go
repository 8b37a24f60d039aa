// Package config содержит логику чтения конфигурации сервиса edupay.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервиса edupay.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	AuthSecret  string `env:"AUTH_SECRET"`

	// Параметры платёжного провайдера (WeChat Pay APIv3).
	WechatAPIBaseURL     string `env:"WECHAT_API_BASE_URL"`
	WechatMchID          string `env:"WECHAT_MCH_ID"`
	WechatAppID          string `env:"WECHAT_APP_ID"`
	WechatSerialNo       string `env:"WECHAT_SERIAL_NO"`
	WechatAPIv3Key       string `env:"WECHAT_APIV3_KEY"`
	WechatPrivateKeyPath string `env:"WECHAT_PRIVATE_KEY_PATH"`
	WechatNotifyURL      string `env:"WECHAT_NOTIFY_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	// .env используется только при локальной разработке, его отсутствие не ошибка.
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envAPIBaseURL := cfg.WechatAPIBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.WechatAPIBaseURL, "p", "https://api.mch.weixin.qq.com", "payment provider API base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAPIBaseURL != "" {
		cfg.WechatAPIBaseURL = envAPIBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.AuthSecret == "" {
		cfg.AuthSecret = "edupay-secret"
	}

	return cfg, nil
}

// ProviderConfigured сообщает, задан ли полный набор параметров провайдера.
func (c *Config) ProviderConfigured() bool {
	return c.WechatMchID != "" &&
		c.WechatAppID != "" &&
		c.WechatSerialNo != "" &&
		c.WechatAPIv3Key != "" &&
		c.WechatPrivateKeyPath != ""
}
