package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/party-discounts/internal/domain/discount"
	"github.com/xenking/party-discounts/internal/shopify"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the application configuration, loadable from environment
// variables (DISCOUNTS_ prefix), flags, or YAML config files.
type Config struct {
	Addr             string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL      string `usage:"PostgreSQL connection URL (DISCOUNTS_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	VirtualSKUPrefix string `default:"GIFT-INTENT-" usage:"SKU prefix of virtual intent products" flag:"virtual-sku-prefix"`
	Shopify          ShopifyConfig
	Incentive        IncentiveConfig
	RateLimit        RateLimitConfig
	Graceful         GracefulConfig
}

// ShopifyConfig holds the commerce platform endpoints and credentials.
type ShopifyConfig struct {
	AdminURL         string        `usage:"Shop base URL, e.g. https://shop.myshopify.com" flag:"shopify-admin-url"`
	AdminToken       string        `usage:"Admin API access token" flag:"shopify-admin-token"`
	StorefrontURL    string        `usage:"Storefront base URL, defaults to the admin URL" flag:"shopify-storefront-url"`
	StorefrontToken  string        `usage:"Storefront API access token" flag:"shopify-storefront-token"`
	APIVersion       string        `default:"2024-10" usage:"API version" flag:"shopify-api-version"`
	WebhookSecret    string        `usage:"Webhook HMAC secret; verification is off when empty" flag:"shopify-webhook-secret"`
	Timeout          time.Duration `default:"10s" usage:"Timeout of a single platform call" flag:"shopify-timeout"`
	PriceConcurrency int           `default:"4" usage:"Parallel variant price requests" flag:"shopify-price-concurrency"`
}

// IncentiveConfig holds the party-of-N constants. Amounts are decimal strings.
type IncentiveConfig struct {
	PartySize      int    `default:"4" usage:"Attendee count that unlocks the party incentive" flag:"party-size"`
	FlatAmount     string `default:"50" usage:"Incentive amount for looks at or above the minimum order" flag:"party-flat-amount"`
	MinOrderAmount string `default:"300" usage:"Look price that switches to the flat amount" flag:"party-min-order"`
	Percent        string `default:"25" usage:"Incentive percent for looks below the minimum order" flag:"party-percent"`
}

// RateLimitConfig controls the per-client token bucket of the REST API.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from flags, environment variables and YAML
// files and applies platform defaults.
func LoadConfig() (*Config, error) {
	return loadConfig(false)
}

// LoadToolConfig is LoadConfig without command-line flags, for tools that
// parse their own.
func LoadToolConfig() (*Config, error) {
	return loadConfig(true)
}

func loadConfig(skipFlags bool) (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		SkipFlags: skipFlags,
		EnvPrefix: "DISCOUNTS",
		Files:     []string{"config.yaml", "/etc/discounts/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults maps DATABASE_URL and PORT set by hosting platforms.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set DISCOUNTS_DATABASE_URL or DATABASE_URL")
	}
	if c.Shopify.AdminURL == "" || c.Shopify.AdminToken == "" {
		return errors.New("shopify admin URL and token are required")
	}
	if !strings.HasPrefix(c.Shopify.AdminURL, "http://") && !strings.HasPrefix(c.Shopify.AdminURL, "https://") {
		return errors.Errorf("shopify admin URL %q must be absolute", c.Shopify.AdminURL)
	}
	if strings.TrimSpace(c.VirtualSKUPrefix) == "" {
		return errors.New("virtual SKU prefix must not be empty")
	}
	if _, err := c.Engine(); err != nil {
		return err
	}
	return nil
}

// Engine returns the discount engine configuration.
func (c *Config) Engine() (discount.Config, error) {
	in := c.Incentive
	if in.PartySize < 1 {
		return discount.Config{}, errors.Errorf("party size must be positive, got %d", in.PartySize)
	}
	parse := func(name, v string) (decimal.Decimal, error) {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, errors.Wrapf(err, "parse incentive %s", name)
		}
		if d.IsNegative() {
			return decimal.Zero, errors.Errorf("incentive %s must not be negative", name)
		}
		return d, nil
	}
	flat, err := parse("flat amount", in.FlatAmount)
	if err != nil {
		return discount.Config{}, err
	}
	minOrder, err := parse("min order amount", in.MinOrderAmount)
	if err != nil {
		return discount.Config{}, err
	}
	percent, err := parse("percent", in.Percent)
	if err != nil {
		return discount.Config{}, err
	}
	if percent.GreaterThan(decimal.NewFromInt(100)) {
		return discount.Config{}, errors.Errorf("incentive percent %s exceeds 100", percent)
	}
	return discount.Config{
		Incentive: discount.IncentiveConfig{
			PartySize:      in.PartySize,
			FlatAmount:     flat,
			MinOrderAmount: minOrder,
			Percent:        percent,
		},
		VirtualSKUPrefix: c.VirtualSKUPrefix,
	}, nil
}

// ShopifyClient returns the commerce client configuration.
func (c *Config) ShopifyClient() shopify.Config {
	s := c.Shopify
	return shopify.Config{
		AdminURL:         s.AdminURL,
		AdminToken:       s.AdminToken,
		StorefrontURL:    s.StorefrontURL,
		StorefrontToken:  s.StorefrontToken,
		APIVersion:       s.APIVersion,
		Timeout:          s.Timeout,
		PriceConcurrency: s.PriceConcurrency,
	}
}
