package config

import (
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/pkg/errors"
)

const ConfigTagName = "env"
const ConfigDefaultTagName = "default"

var config *Config

// Configuration This struct holds config envs and values
// which are used in the payment gateway. Only this struct must be used
// to hold any configuration values, no direct access to
// env, ini or any other config source should be made
type Config struct {
	AppEnv              string `env:"APP_ENV" default:"dev"`
	AppName             string `env:"APP_NAME" default:"payment_gateway"`
	AppDebug            bool   `env:"APP_DEBUG" default:"1"`
	AppDebugMetricsAddr string `env:"APP_DEBUG_METRIC_ADDR"`
	AppDebugMetricsURI  string `env:"APP_DEBUG_METRIC_URI"`
	AppBaseUrl          string `env:"APP_BASE_URL"`

	HttpListenAddr            string `env:"HTTP_LISTEN_ADDR" validation:"mustExists"`
	HttpBaseRequestUrl        string `env:"HTTP_BASE_REQUEST_URI" validation:"mustExists"`
	HttpServerReadTimeout     int    `env:"HTTP_SERVER_READ_TIMEOUT"`
	HttpServerWriteTimeout    int    `env:"HTTP_SERVER_WRITE_TIMEOUT"`
	HttpServerReadBufferSize  int    `env:"HTTP_SERVER_READ_BUFFER_SIZE"`
	HttpServerWriteBufferSize int    `env:"HTTP_SERVER_WRITE_BUFFER_SIZE"`

	PostgresReadHost     string `env:"POSTGRES_READ_HOST"`
	PostgresReadPort     string `env:"POSTGRES_READ_PORT"`
	PostgresReadUser     string `env:"POSTGRES_READ_USER"`
	PostgresReadPassword string `env:"POSTGRES_READ_PASSWORD"`
	PostgresReadDatabase string `env:"POSTGRES_READ_DBNAME"`

	PostgresWriteHost     string `env:"POSTGRES_WRITE_HOST"`
	PostgresWritePort     string `env:"POSTGRES_WRITE_PORT"`
	PostgresWriteUser     string `env:"POSTGRES_WRITE_USER"`
	PostgresWritePassword string `env:"POSTGRES_WRITE_PASSWORD"`
	PostgresWriteDatabase string `env:"POSTGRES_WRITE_DBNAME"`

	RedisAddr               string `env:"REDIS_ADDR"`
	RedisUsername           string `env:"REDIS_USER"`
	RedisPassword           string `env:"REDIS_PASS"`
	RedisDatabase           int    `env:"REDIS_DATABASE"`
	RedisUniversalKeyPrefix string `env:"REDIS_UNIVERSAL_KEY_PREFIX"`

	PromNamespace string `env:"PROM_NAMESPACE"`

	ProfilerEnable bool `env:"PROFILER_ENABLE"`
	ProfilerPort   int  `env:"PROFILER_PORT"`

	LogLevel []string `env:"LOG_LEVEL"`

	OutboxStream            string        `env:"OUTBOX_STREAM" default:"payment:outcomes"`
	OutboxConsumerGroup     string        `env:"OUTBOX_CONSUMER_GROUP"`
	OutboxConsumerName      string        `env:"OUTBOX_CONSUMER_NAME"`
	OutboxMaxRetries        int           `env:"OUTBOX_MAX_RETRIES"`
	OutboxVisibilityTimeout time.Duration `env:"OUTBOX_VISIBILITY_TIMEOUT"`
	OutboxPollInterval      time.Duration `env:"OUTBOX_POLL_INTERVAL"`
	OutboxBatchSize         int64         `env:"OUTBOX_BATCH_SIZE"`
	OutboxMaxLen            int64         `env:"OUTBOX_MAX_LEN"`
	OutboxEnableDLQ         bool          `env:"OUTBOX_ENABLE_DLQ"`

	MpesaBaseUrl        string        `env:"MPESA_BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	MpesaConsumerKey    string        `env:"MPESA_CONSUMER_KEY" validation:"mustExists"`
	MpesaConsumerSecret string        `env:"MPESA_CONSUMER_SECRET" validation:"mustExists"`
	MpesaShortCode      string        `env:"MPESA_SHORTCODE" validation:"mustExists"`
	MpesaPasskey        string        `env:"MPESA_PASSKEY" validation:"mustExists"`
	MpesaCallbackUrl    string        `env:"MPESA_CALLBACK_URL" validation:"mustExists"`
	MpesaRequestTimeout time.Duration `env:"MPESA_REQUEST_TIMEOUT"`
}

func Load(path string) error {
	logger.Info("loading configs..", "path", path)
	c := &Config{}
	var err error
	if path != "" {
		logger.Info("trying to publish env from file", "path", path)
		err = godotenv.Load(path)
		if err != nil {
			return errors.New("failed to load configuration file " + path + " error: " + err.Error())
		}
	}

	_, err = env.UnmarshalFromEnviron(c)

	if err != nil {
		return errors.New("failed to map env variables to Configuration object " + " error: " + err.Error())
	}

	config = c
	return nil
}

func Get() *Config {
	if config == nil {
		logger.Panic("Config is not initialized")
	}
	return config
}
