package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the gateway process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Carrier  CarrierConfig
	SipTrunk SipTrunkConfig
	Tunnel   TunnelConfig
	Calls    CallsConfig
	Agent    AgentConfig
}

type AppConfig struct {
	Env  string
	Port int

	// LogFile enables a rotated JSON log file in addition to stdout.
	LogFile string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// MaxConns caps the lifecycle store pool. Zero uses the pool default.
	MaxConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration

	// MediaTokenTTL bounds how long a carrier may take to open the media websocket
	// after we hand out the stream URL.
	MediaTokenTTL time.Duration
}

// CarrierConfig configures the cloud carrier (REST + form webhooks + websocket media).
type CarrierConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	BaseURL    string
}

func (c CarrierConfig) Enabled() bool { return c.AccountSID != "" }

// SipTrunkConfig configures the SIP trunk reached through its HTTP call-control gateway.
type SipTrunkConfig struct {
	GatewayURL    string
	APIKey        string
	WebhookSecret string
	Domain        string
	RTPBindAddr   string
}

func (c SipTrunkConfig) Enabled() bool { return c.GatewayURL != "" }

type TunnelConfig struct {
	// Mode is static (PUBLIC_BASE_URL is already reachable), ngrok (tunnel
	// opened in-process) or ngrok-agent (separately run agent's API).
	Mode           string
	PublicURL      string
	NgrokAPIURL    string
	NgrokAuthtoken string
	NgrokDomain    string
	StartupTimeout time.Duration
}

type CallsConfig struct {
	SetupTimeout        time.Duration
	GraceWindow         time.Duration
	GCInterval          time.Duration
	StallWindow         time.Duration
	WebhookAckTimeout   time.Duration
	ProviderRPCTimeout  time.Duration
	ProviderMaxAttempts int
	ProviderRetryBase   time.Duration
	OutboundCap         int
	DedupTTL            time.Duration
}

type AgentConfig struct {
	WSURL string
	// Token authenticates the gateway to the agent platform.
	Token string
	// InboundRoutes maps dialed numbers to agents, see routing.ParseRules.
	// Empty means inbound calls reach the platform without an agent ref.
	InboundRoutes string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.LogFile = strings.TrimSpace(os.Getenv("LOG_FILE"))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	{
		n, err := optionalInt("DB_MAX_CONNS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.MaxConns = n
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth = loadAuth()

	c.Carrier.AccountSID = strings.TrimSpace(os.Getenv("CARRIER_ACCOUNT_SID"))
	c.Carrier.AuthToken = os.Getenv("CARRIER_AUTH_TOKEN")
	c.Carrier.FromNumber = strings.TrimSpace(os.Getenv("CARRIER_FROM_NUMBER"))
	c.Carrier.BaseURL = strings.TrimSpace(os.Getenv("CARRIER_BASE_URL"))

	c.SipTrunk.GatewayURL = strings.TrimSpace(os.Getenv("SIP_GATEWAY_URL"))
	c.SipTrunk.APIKey = os.Getenv("SIP_GATEWAY_API_KEY")
	c.SipTrunk.WebhookSecret = os.Getenv("SIP_WEBHOOK_SECRET")
	c.SipTrunk.Domain = strings.TrimSpace(os.Getenv("SIP_DOMAIN"))
	c.SipTrunk.RTPBindAddr = strings.TrimSpace(os.Getenv("SIP_RTP_BIND_ADDR"))

	c.Tunnel.Mode = strings.TrimSpace(os.Getenv("TUNNEL_MODE"))
	c.Tunnel.PublicURL = strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL"))
	c.Tunnel.NgrokAPIURL = strings.TrimSpace(os.Getenv("NGROK_API_URL"))
	c.Tunnel.NgrokAuthtoken = strings.TrimSpace(os.Getenv("NGROK_AUTHTOKEN"))
	c.Tunnel.NgrokDomain = strings.TrimSpace(os.Getenv("NGROK_DOMAIN"))
	c.Tunnel.StartupTimeout = mustDuration("TUNNEL_STARTUP_TIMEOUT")

	c.Calls.SetupTimeout = mustDuration("CALL_SETUP_TIMEOUT")
	c.Calls.GraceWindow = mustDuration("CALL_GRACE_WINDOW")
	c.Calls.GCInterval = mustDuration("CALL_GC_INTERVAL")
	c.Calls.StallWindow = mustDuration("BRIDGE_STALL_WINDOW")
	c.Calls.WebhookAckTimeout = mustDuration("WEBHOOK_ACK_TIMEOUT")
	c.Calls.ProviderRPCTimeout = mustDuration("PROVIDER_RPC_TIMEOUT")
	c.Calls.ProviderRetryBase = mustDuration("PROVIDER_RETRY_BASE")
	c.Calls.DedupTTL = mustDuration("WEBHOOK_DEDUP_TTL")
	{
		n, err := optionalInt("PROVIDER_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.ProviderMaxAttempts = n
	}
	{
		n, err := optionalInt("OUTBOUND_CALL_CAP")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calls.OutboundCap = n
	}

	c.Agent.WSURL = strings.TrimSpace(os.Getenv("AGENT_WS_URL"))
	c.Agent.Token = os.Getenv("AGENT_WS_TOKEN")
	c.Agent.InboundRoutes = strings.TrimSpace(os.Getenv("INBOUND_ROUTES"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func loadAuth() AuthConfig {
	return AuthConfig{
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   strings.TrimSpace(os.Getenv("JWT_ISSUER")),
		JWTAudience: strings.TrimSpace(os.Getenv("JWT_AUDIENCE")),
		// Duration env vars are optional; defaults applied in Validate().
		AccessTokenTTL: mustDuration("JWT_ACCESS_TTL"),
		MediaTokenTTL:  mustDuration("JWT_MEDIA_TTL"),
	}
}

// LoadAuth reads only the token settings. Used by tooling that mints tokens
// without running the gateway.
func LoadAuth() (AuthConfig, error) {
	a := loadAuth()
	if a.JWTSecret == "" {
		return AuthConfig{}, errors.New("JWT_SECRET is required")
	}
	if a.AccessTokenTTL <= 0 {
		a.AccessTokenTTL = 15 * time.Minute
	}
	if a.MediaTokenTTL <= 0 {
		a.MediaTokenTTL = 2 * time.Minute
	}
	return a, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
	}
	if c.DB.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be >= 0, got %d", c.DB.MaxConns))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.MediaTokenTTL <= 0 {
		c.Auth.MediaTokenTTL = 2 * time.Minute
	}

	if !c.Carrier.Enabled() && !c.SipTrunk.Enabled() {
		errs = append(errs, errors.New("at least one provider must be configured (CARRIER_ACCOUNT_SID or SIP_GATEWAY_URL)"))
	}
	if c.Carrier.Enabled() {
		if c.Carrier.AuthToken == "" {
			errs = append(errs, errors.New("CARRIER_AUTH_TOKEN is required when CARRIER_ACCOUNT_SID is set"))
		}
		if c.Carrier.FromNumber == "" {
			errs = append(errs, errors.New("CARRIER_FROM_NUMBER is required when CARRIER_ACCOUNT_SID is set"))
		}
		if c.Carrier.BaseURL == "" {
			c.Carrier.BaseURL = "https://api.twilio.com/2010-04-01"
		}
	}
	if c.SipTrunk.Enabled() {
		if !isHTTPURL(c.SipTrunk.GatewayURL) {
			errs = append(errs, fmt.Errorf("SIP_GATEWAY_URL must be an http(s) URL, got %q", c.SipTrunk.GatewayURL))
		}
		if c.SipTrunk.WebhookSecret == "" {
			errs = append(errs, errors.New("SIP_WEBHOOK_SECRET is required when SIP_GATEWAY_URL is set"))
		}
		if c.SipTrunk.Domain == "" {
			errs = append(errs, errors.New("SIP_DOMAIN is required when SIP_GATEWAY_URL is set"))
		}
		if c.SipTrunk.RTPBindAddr == "" {
			c.SipTrunk.RTPBindAddr = "0.0.0.0:0"
		}
	}

	if c.Tunnel.Mode == "" {
		c.Tunnel.Mode = "static"
	}
	switch c.Tunnel.Mode {
	case "static":
		if !isHTTPURL(c.Tunnel.PublicURL) {
			errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL must be an http(s) URL in static tunnel mode, got %q", c.Tunnel.PublicURL))
		}
	case "ngrok", "ngrok-agent":
		if c.Tunnel.Mode == "ngrok" && c.Tunnel.NgrokAuthtoken == "" {
			errs = append(errs, errors.New("NGROK_AUTHTOKEN is required in ngrok tunnel mode"))
		}
		if c.Tunnel.NgrokAPIURL == "" {
			c.Tunnel.NgrokAPIURL = "http://127.0.0.1:4040"
		}
		if c.IsProduction() {
			errs = append(errs, fmt.Errorf("TUNNEL_MODE=%s is not allowed in production", c.Tunnel.Mode))
		}
	default:
		errs = append(errs, fmt.Errorf("TUNNEL_MODE must be one of static, ngrok, ngrok-agent, got %q", c.Tunnel.Mode))
	}
	if c.Tunnel.StartupTimeout <= 0 {
		c.Tunnel.StartupTimeout = 30 * time.Second
	}

	c.Calls.applyDefaults()
	if c.Calls.GraceWindow <= c.Calls.SetupTimeout {
		// Late redeliveries must still find the terminal session.
		errs = append(errs, errors.New("CALL_GRACE_WINDOW must be greater than CALL_SETUP_TIMEOUT"))
	}
	if c.Calls.ProviderMaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("PROVIDER_MAX_ATTEMPTS must be <= 10, got %d", c.Calls.ProviderMaxAttempts))
	}

	if c.Agent.WSURL == "" {
		errs = append(errs, errors.New("AGENT_WS_URL is required"))
	}

	return joinErrors(errs)
}

func (c *CallsConfig) applyDefaults() {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 60 * time.Second
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = 10 * time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 30 * time.Second
	}
	if c.StallWindow <= 0 {
		c.StallWindow = 10 * time.Second
	}
	if c.WebhookAckTimeout <= 0 {
		c.WebhookAckTimeout = 2 * time.Second
	}
	if c.ProviderRPCTimeout <= 0 {
		c.ProviderRPCTimeout = 10 * time.Second
	}
	if c.ProviderMaxAttempts <= 0 {
		c.ProviderMaxAttempts = 4
	}
	if c.ProviderRetryBase <= 0 {
		c.ProviderRetryBase = 200 * time.Millisecond
	}
	if c.OutboundCap <= 0 {
		c.OutboundCap = 50
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 24 * time.Hour
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isHTTPURL(v string) bool {
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
