package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type envBinding struct {
	key   string
	envs  []string
	apply func(c *Root, val string) error
}

func setString(dst func(*Root) *string) func(*Root, string) error {
	return func(c *Root, val string) error {
		*dst(c) = val
		return nil
	}
}

func setInt(dst func(*Root) *int) func(*Root, string) error {
	return func(c *Root, val string) error {
		n, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}
}

// Later bindings win, so KINAGATE_ADDR overrides PORT.
var envBindings = []envBinding{
	{"server.port", []string{"PORT"}, func(c *Root, val string) error {
		if _, err := strconv.Atoi(val); err != nil {
			return err
		}
		c.Server.Addr = ":" + val
		return nil
	}},
	{"server.addr", []string{"KINAGATE_ADDR"}, setString(func(c *Root) *string { return &c.Server.Addr })},
	{"server.max_body_bytes", []string{"MAX_BODY_BYTES"}, func(c *Root, val string) error {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		c.Server.MaxBodyBytes = n
		return nil
	}},
	{"cors.allowed_origin", []string{"CORS_ORIGIN"}, setString(func(c *Root) *string { return &c.CORS.AllowedOrigin })},
	{"observability.log_level", []string{"LOG_LEVEL"}, setString(func(c *Root) *string { return &c.Observability.LogLevel })},
	{"observability.metrics_token", []string{"METRICS_TOKEN"}, setString(func(c *Root) *string { return &c.Observability.MetricsToken })},
	{"llm.api_key", []string{"GEMINI_API_KEY", "VITE_GEMINI_API_KEY"}, setString(func(c *Root) *string { return &c.LLM.APIKey })},
	{"llm.model", []string{"GEMINI_MODEL"}, setString(func(c *Root) *string { return &c.LLM.Model })},
	{"llm.base_url", []string{"GEMINI_BASE_URL"}, setString(func(c *Root) *string { return &c.LLM.BaseURL })},
	{"llm.timeout_ms", []string{"CHAT_TIMEOUT_MS"}, setInt(func(c *Root) *int { return &c.LLM.TimeoutMS })},
	{"forms.mode", []string{"FORM_MODE"}, setString(func(c *Root) *string { return &c.Forms.Mode })},
	{"forms.contact_webhook_url", []string{"CONTACT_WEBHOOK_URL"}, setString(func(c *Root) *string { return &c.Forms.ContactWebhookURL })},
	{"forms.demo_webhook_url", []string{"DEMO_WEBHOOK_URL"}, setString(func(c *Root) *string { return &c.Forms.DemoWebhookURL })},
	{"forms.timeout_ms", []string{"WEBHOOK_TIMEOUT_MS"}, setInt(func(c *Root) *int { return &c.Forms.TimeoutMS })},
	{"limits.chat.max_requests", []string{"CHAT_RATE_MAX"}, setInt(func(c *Root) *int { return &c.Limits.Chat.MaxRequests })},
	{"limits.chat.window_ms", []string{"CHAT_RATE_WINDOW_MS"}, setInt(func(c *Root) *int { return &c.Limits.Chat.WindowMS })},
	{"limits.forms.max_requests", []string{"FORM_RATE_MAX"}, setInt(func(c *Root) *int { return &c.Limits.Forms.MaxRequests })},
	{"limits.forms.window_ms", []string{"FORM_RATE_WINDOW_MS"}, setInt(func(c *Root) *int { return &c.Limits.Forms.WindowMS })},
	{"limits.stats.redis_addr", []string{"RATE_STATS_REDIS_ADDR"}, setString(func(c *Root) *string { return &c.Limits.Stats.RedisAddr })},
	{"limits.stats.redis_password", []string{"RATE_STATS_REDIS_PASSWORD"}, setString(func(c *Root) *string { return &c.Limits.Stats.RedisPassword })},
}

// EnvNames lists every environment variable ApplyEnv reads.
func EnvNames() []string {
	var out []string
	for _, b := range envBindings {
		out = append(out, b.envs...)
	}
	return out
}

// ApplyEnv overrides c with any bound environment variables that are set.
func (c *Root) ApplyEnv() error {
	v := viper.New()
	var errs []error
	for _, b := range envBindings {
		args := append([]string{b.key}, b.envs...)
		if err := v.BindEnv(args...); err != nil {
			return err
		}
		if !v.IsSet(b.key) {
			continue
		}
		val := strings.TrimSpace(v.GetString(b.key))
		if err := b.apply(c, val); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", strings.Join(b.envs, "/"), err))
		}
	}
	return errors.Join(errs...)
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Resolve is the full startup sequence: .env, YAML file, environment,
// validation.
func Resolve(path, dotenv string) (*Root, error) {
	if dotenv != "" {
		if err := LoadDotEnv(dotenv); err != nil {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
