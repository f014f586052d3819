package app

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Addr:             defaultAddr,
		DatabaseURL:      "postgres://localhost/discounts",
		VirtualSKUPrefix: "GIFT-INTENT-",
		Shopify: ShopifyConfig{
			AdminURL:   "https://shop.myshopify.com",
			AdminToken: "shpat_x",
		},
		Incentive: IncentiveConfig{PartySize: 4, FlatAmount: "50", MinOrderAmount: "300", Percent: "25"},
	}
}

func TestConfig_Engine(t *testing.T) {
	cfg := validConfig()

	ec, err := cfg.Engine()
	require.NoError(t, err)
	assert.Equal(t, 4, ec.Incentive.PartySize)
	assert.True(t, decimal.NewFromInt(50).Equal(ec.Incentive.FlatAmount))
	assert.True(t, decimal.NewFromInt(300).Equal(ec.Incentive.MinOrderAmount))
	assert.True(t, decimal.NewFromInt(25).Equal(ec.Incentive.Percent))
	assert.Equal(t, "GIFT-INTENT-", ec.VirtualSKUPrefix)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		errMsg string
	}{
		{name: "Valid", modify: func(*Config) {}},
		{name: "NoDatabase", modify: func(c *Config) { c.DatabaseURL = "" }, errMsg: "database URL is required"},
		{name: "NoAdminToken", modify: func(c *Config) { c.Shopify.AdminToken = "" }, errMsg: "admin URL and token are required"},
		{name: "RelativeAdminURL", modify: func(c *Config) { c.Shopify.AdminURL = "shop.myshopify.com" }, errMsg: "must be absolute"},
		{name: "EmptyPrefix", modify: func(c *Config) { c.VirtualSKUPrefix = " " }, errMsg: "prefix must not be empty"},
		{name: "ZeroPartySize", modify: func(c *Config) { c.Incentive.PartySize = 0 }, errMsg: "party size must be positive"},
		{name: "BadAmount", modify: func(c *Config) { c.Incentive.FlatAmount = "fifty" }, errMsg: "parse incentive flat amount"},
		{name: "NegativeMin", modify: func(c *Config) { c.Incentive.MinOrderAmount = "-1" }, errMsg: "must not be negative"},
		{name: "PercentOver100", modify: func(c *Config) { c.Incentive.Percent = "101" }, errMsg: "exceeds 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)

			err := cfg.validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConfig_ApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9090")

	cfg := Config{Addr: defaultAddr}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)

	cfg = Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	cfg.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", cfg.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestConfig_ShopifyClient(t *testing.T) {
	cfg := validConfig()
	cfg.Shopify.StorefrontToken = "sf"
	cfg.Shopify.PriceConcurrency = 8

	sc := cfg.ShopifyClient()
	assert.Equal(t, "https://shop.myshopify.com", sc.AdminURL)
	assert.Equal(t, "sf", sc.StorefrontToken)
	assert.Equal(t, 8, sc.PriceConcurrency)
}
