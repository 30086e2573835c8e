package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

//go:generate go run github.com/g4s8/envdoc@latest -output ../../config.md -env-prefix COINWATCH_ -type Config
type Config struct {
	// Address to listen to.
	Listen string `env:"LISTEN" envDefault:":8080"`

	// Autocert account email.
	AutocertEmail string `env:"AUTOCERT_EMAIL"`

	// Autocert domains. If empty, autocert is not used.
	AutocertHosts []string `env:"AUTOCERT_HOSTS"`

	// TLS certificate to use. If empty, will try to use autocert.
	TLSCert string `env:"TLS_CERT"`

	// TLS key to use. If empty, will try to use autocert.
	TLSKey string `env:"TLS_KEY"`

	// Base URL of the market data provider API.
	MarketURL string `env:"MARKET_URL" envDefault:"https://api.coingecko.com/api/v3"`

	// Currency prices are quoted in.
	QuoteCurrency string `env:"QUOTE_CURRENCY" envDefault:"usd"`

	// How frequently tracked prices are refreshed. A failed refresh is retried
	// on the next tick.
	RefreshInterval time.Duration `env:"REFRESH_INTERVAL" envDefault:"30s"`

	// Timeout for a single request to the market data provider.
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s"`

	// Maximum number of requests per minute sent to the market data provider.
	RateLimitPerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`

	// How many coins are loaded when the dashboard bootstraps.
	BootstrapPageSize int `env:"BOOTSTRAP_PAGE_SIZE" envDefault:"100"`

	// Directory where portfolio positions and price alerts are stored.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Optional log file, rotated automatically.
	LogFile string `env:"LOG_FILE"`

	// Enable debug logging.
	Debug bool `env:"DEBUG" envDefault:"false"`
}

func Must() Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{
		Prefix: "COINWATCH_",
	})
	if err != nil {
		panic("could not get config: " + err.Error())
	}
	return cfg
}
