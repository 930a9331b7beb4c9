package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Addr       string `env:"API_ADDR" env-default:":8787"`
	Env        string `env:"APP_ENV" env-default:"local"`
	LogLevel   string `env:"LOG_LEVEL" env-default:"info"`
	CORSOrigin string `env:"CORS_ORIGIN" env-default:"*"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	// Proxy
	BackendAPIURL            string `env:"BACKEND_API_URL"`
	ServiceAccountEmail      string `env:"SERVICE_ACCOUNT_EMAIL"`
	ServiceAccountPrivateKey string `env:"SERVICE_ACCOUNT_PRIVATE_KEY"`
	ServiceAccountTokenURL   string `env:"SERVICE_ACCOUNT_TOKEN_URL" env-default:"https://oauth2.googleapis.com/token"`
	OAuthClientID            string `env:"OAUTH_CLIENT_ID"`
	RequestSigningKey        string `env:"REQUEST_SIGNING_KEY"`

	// Identity provider
	IdentityJWTPublicKey string `env:"IDENTITY_JWT_PUBLIC_KEY"`
	IdentityIssuer       string `env:"IDENTITY_ISSUER"`
	IdentityAPIURL       string `env:"IDENTITY_API_URL"`
	IdentitySecretKey    string `env:"IDENTITY_SECRET_KEY"`

	// Rooms
	RoomGrantSecret     string `env:"ROOM_GRANT_SECRET"`
	RoomGrantTTLSeconds int    `env:"ROOM_GRANT_TTL_SECONDS" env-default:"3600"`
	TitleSyncDelayMS    int    `env:"TITLE_SYNC_DELAY_MS" env-default:"500"`
	PresenceTTLSeconds  int    `env:"PRESENCE_TTL_SECONDS" env-default:"30"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	HistoryDir string `env:"HISTORY_DIR" env-default:"./data/history"`

	// Pages served behind the session gate. Empty disables static serving.
	WebDir    string `env:"WEB_DIR"`
	SignInURL string `env:"SIGN_IN_URL" env-default:"/sign-in"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" env-default:"exports"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" env-default:"false"`
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, nil
}

// Validate fails on keys the server cannot start without.
func (c Config) Validate() error {
	missing := missingKeys(map[string]string{
		"DATABASE_URL":            c.DatabaseURL,
		"REDIS_URL":               c.RedisURL,
		"ROOM_GRANT_SECRET":       c.RoomGrantSecret,
		"IDENTITY_JWT_PUBLIC_KEY": c.IdentityJWTPublicKey,
	})
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ProxyMissing lists the proxy keys that are unset. The proxy checks this per request.
func (c Config) ProxyMissing() []string {
	return missingKeys(map[string]string{
		"BACKEND_API_URL":             c.BackendAPIURL,
		"SERVICE_ACCOUNT_EMAIL":       c.ServiceAccountEmail,
		"SERVICE_ACCOUNT_PRIVATE_KEY": c.ServiceAccountPrivateKey,
		"OAUTH_CLIENT_ID":             c.OAuthClientID,
		"REQUEST_SIGNING_KEY":         c.RequestSigningKey,
	})
}

func (c Config) RoomGrantTTL() time.Duration {
	return time.Duration(c.RoomGrantTTLSeconds) * time.Second
}

func (c Config) TitleSyncDelay() time.Duration {
	return time.Duration(c.TitleSyncDelayMS) * time.Millisecond
}

func (c Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c Config) SearchConfigured() bool {
	return strings.TrimSpace(c.MeiliURL) != ""
}

func (c Config) StorageConfigured() bool {
	return strings.TrimSpace(c.MinioEndpoint) != ""
}

func missingKeys(values map[string]string) []string {
	var missing []string
	for key, value := range values {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}
