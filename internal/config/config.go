package config

import "github.com/spf13/viper"

type Config struct {
	App struct {
		Env      string
		Timezone string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Postgres struct {
		DSN string
	} `mapstructure:"postgres"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Pricing struct {
		StandardCents int64 `mapstructure:"standard_cents"`
		DiscountCents int64 `mapstructure:"discount_cents"`
	} `mapstructure:"pricing"`

	Provider struct {
		BaseURL          string `mapstructure:"base_url"`
		APIKey           string `mapstructure:"api_key"`
		WebhookSecret    string `mapstructure:"webhook_secret"`
		VerifyTimeoutSec int    `mapstructure:"verify_timeout_sec"`
	} `mapstructure:"provider"`

	Sweep struct {
		IntervalMin int `mapstructure:"interval_min"`
	} `mapstructure:"sweep"`

	Telegram struct {
		Token       string
		AdminChatID int64 `mapstructure:"admin_chat_id"`
	} `mapstructure:"telegram"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	// Переопределение через ENV (APP_*), если надо
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()

	var c Config
	if err := v.ReadInConfig(); err != nil {
		return c, err
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, nil
}
