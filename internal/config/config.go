package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultSystemPrompt = `Eres KINA, el asistente virtual de KINETIA, una empresa de tecnología especializada en:
- Automatización de Procesos
- Optimización de Inventarios
- Sistemas Personalizados
- Agentic / Entrenamiento de Agentes IA

Tu objetivo es:
1. Dar la bienvenida a los visitantes
2. Responder preguntas sobre los servicios de KINETIA
3. Ayudar a los usuarios a entender cómo KINETIA puede resolver sus problemas
4. Guiar hacia solicitar una demo cuando sea apropiado

Información sobre los servicios:
- Automatización de Procesos: Transformamos tareas manuales en flujos automatizados, desde captura de datos hasta reportes.
- Optimización de Inventarios: Sistemas predictivos con IA que anticipan demanda y optimizan niveles de stock.
- Sistemas Personalizados: Desarrollo de software a medida (ERPs, apps especializadas) que se adapta a tus procesos.
- Agentic: Diseñamos y entrenamos agentes IA autónomos para tareas complejas.

Responde siempre en español, de forma profesional pero cercana. Sé conciso (máximo 2-3 párrafos cortos). Si no sabes algo específico, sugiere contactar al equipo o solicitar una demo.`

	DefaultWelcomeMessage = "¡Entendido! Soy KINA, el asistente virtual de KINETIA. Estoy lista para ayudar a los visitantes con información sobre nuestros servicios de tecnología."
)

type Server struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS     int    `yaml:"idle_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
	MaxBodyBytes      int64  `yaml:"max_body_bytes"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
	MetricsToken   string `yaml:"metrics_token"`   // bearer token; empty leaves the endpoint open
}

type CORS struct {
	AllowedOrigin string `yaml:"allowed_origin"`
}

// RateLimit is a sliding window: at most MaxRequests per WindowMS.
type RateLimit struct {
	MaxRequests int `yaml:"max_requests"`
	WindowMS    int `yaml:"window_ms"`
}

func (r RateLimit) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// Stats configures the optional Redis admission counters.
type Stats struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
	TTLHours      int    `yaml:"ttl_hours"`
	TrackKeys     bool   `yaml:"track_keys"`
}

func (s Stats) Enabled() bool { return s.RedisAddr != "" }

func (s Stats) TTL() time.Duration {
	return time.Duration(s.TTLHours) * time.Hour
}

type Limits struct {
	Chat            RateLimit `yaml:"chat"`
	Forms           RateLimit `yaml:"forms"`
	SweepIntervalMS int       `yaml:"sweep_interval_ms"`
	Stats           Stats     `yaml:"stats"`
}

func (l Limits) SweepInterval() time.Duration {
	return time.Duration(l.SweepIntervalMS) * time.Millisecond
}

type LLM struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	TimeoutMS       int    `yaml:"timeout_ms"`
	SystemPrompt    string `yaml:"system_prompt"`
	WelcomeMessage  string `yaml:"welcome_message"`
	MaxHistoryTurns int    `yaml:"max_history_turns"`
}

func (l LLM) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

type Forms struct {
	Mode              string  `yaml:"mode"` // "strict" or "log"
	ContactWebhookURL string  `yaml:"contact_webhook_url"`
	DemoWebhookURL    string  `yaml:"demo_webhook_url"`
	TimeoutMS         int     `yaml:"timeout_ms"`
	MaxPerSecond      float64 `yaml:"max_per_second"` // 0 disables pacing
	Burst             int     `yaml:"burst"`
}

func (f Forms) Timeout() time.Duration {
	return time.Duration(f.TimeoutMS) * time.Millisecond
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	CORS          CORS          `yaml:"cors"`
	Limits        Limits        `yaml:"limits"`
	LLM           LLM           `yaml:"llm"`
	Forms         Forms         `yaml:"forms"`
}

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout must outlast the slowest upstream call.
func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 45 * time.Second
	}
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

func (s Server) ShutdownTimeout() time.Duration {
	if s.ShutdownTimeoutMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(s.ShutdownTimeoutMS) * time.Millisecond
}

func (s Server) MaxBody() int64 {
	if s.MaxBodyBytes == 0 {
		return 1_000_000
	}
	return s.MaxBodyBytes
}

// Default returns the configuration used when no file is given.
func Default() *Root {
	var cfg Root
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML file and fills defaults. An empty path yields Default.
func Load(path string) (*Root, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Root) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":3001"
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1_000_000
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.PrometheusPath == "" {
		c.Observability.PrometheusPath = "/metrics"
	}
	if c.CORS.AllowedOrigin == "" {
		c.CORS.AllowedOrigin = "http://localhost:5173"
	}

	if c.Limits.Chat.MaxRequests == 0 {
		c.Limits.Chat.MaxRequests = 20
	}
	if c.Limits.Chat.WindowMS == 0 {
		c.Limits.Chat.WindowMS = 60_000
	}
	if c.Limits.Forms.MaxRequests == 0 {
		c.Limits.Forms.MaxRequests = 5
	}
	if c.Limits.Forms.WindowMS == 0 {
		c.Limits.Forms.WindowMS = 15 * 60_000
	}
	if c.Limits.SweepIntervalMS == 0 {
		c.Limits.SweepIntervalMS = 5 * 60_000
	}
	if c.Limits.Stats.Prefix == "" {
		c.Limits.Stats.Prefix = "kinagate:admission"
	}
	if c.Limits.Stats.TTLHours == 0 {
		c.Limits.Stats.TTLHours = 24
	}

	if c.LLM.TimeoutMS == 0 {
		c.LLM.TimeoutMS = 30_000
	}
	if c.LLM.SystemPrompt == "" {
		c.LLM.SystemPrompt = DefaultSystemPrompt
	}
	if c.LLM.WelcomeMessage == "" {
		c.LLM.WelcomeMessage = DefaultWelcomeMessage
	}
	if c.LLM.MaxHistoryTurns == 0 {
		c.LLM.MaxHistoryTurns = 20
	}

	if c.Forms.Mode == "" {
		c.Forms.Mode = "strict"
	}
	if c.Forms.TimeoutMS == 0 {
		c.Forms.TimeoutMS = 10_000
	}
	if c.Forms.Burst == 0 {
		c.Forms.Burst = 5
	}
}

// Validate reports every problem found, joined.
func (c *Root) Validate() error {
	var errs []error

	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("server.max_body_bytes must be positive"))
	}
	if strings.TrimSpace(c.CORS.AllowedOrigin) == "" {
		errs = append(errs, errors.New("cors.allowed_origin is required"))
	}
	if !strings.HasPrefix(c.Observability.PrometheusPath, "/") {
		errs = append(errs, errors.New("observability.prometheus_path must start with /"))
	}

	for name, rl := range map[string]RateLimit{"limits.chat": c.Limits.Chat, "limits.forms": c.Limits.Forms} {
		if rl.MaxRequests < 1 {
			errs = append(errs, fmt.Errorf("%s.max_requests must be at least 1", name))
		}
		if rl.WindowMS <= 0 {
			errs = append(errs, fmt.Errorf("%s.window_ms must be positive", name))
		}
	}
	if c.Limits.SweepIntervalMS < 0 {
		errs = append(errs, errors.New("limits.sweep_interval_ms must not be negative"))
	}

	if c.LLM.TimeoutMS <= 0 {
		errs = append(errs, errors.New("llm.timeout_ms must be positive"))
	}
	if c.Forms.TimeoutMS <= 0 {
		errs = append(errs, errors.New("forms.timeout_ms must be positive"))
	}
	if c.Server.WriteTimeout() <= c.LLM.Timeout() || c.Server.WriteTimeout() <= c.Forms.Timeout() {
		errs = append(errs, errors.New("server.write_timeout_ms must exceed the upstream timeouts"))
	}

	switch c.Forms.Mode {
	case "strict", "log":
	default:
		errs = append(errs, fmt.Errorf("forms.mode must be strict or log, got %q", c.Forms.Mode))
	}
	if c.Forms.MaxPerSecond < 0 {
		errs = append(errs, errors.New("forms.max_per_second must not be negative"))
	}
	for name, raw := range map[string]string{
		"forms.contact_webhook_url": c.Forms.ContactWebhookURL,
		"forms.demo_webhook_url":    c.Forms.DemoWebhookURL,
		"llm.base_url":              c.LLM.BaseURL,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s must be an absolute http(s) URL", name))
		}
	}

	return errors.Join(errs...)
}

const redactedValue = "[redacted]"

// Redacted returns a copy safe to print.
func (c *Root) Redacted() *Root {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = redactedValue
	}
	if out.Observability.MetricsToken != "" {
		out.Observability.MetricsToken = redactedValue
	}
	if out.Limits.Stats.RedisPassword != "" {
		out.Limits.Stats.RedisPassword = redactedValue
	}
	out.Forms.ContactWebhookURL = redactURL(out.Forms.ContactWebhookURL)
	out.Forms.DemoWebhookURL = redactURL(out.Forms.DemoWebhookURL)
	return &out
}

// redactURL keeps scheme and host; webhook paths and queries often carry
// secrets.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return redactedValue
	}
	return u.Scheme + "://" + u.Host + "/" + redactedValue
}

// YAML renders the config as YAML.
func (c *Root) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
