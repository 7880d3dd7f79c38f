package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, 30*time.Second, cfg.Billing.IdempotencyWindow)
	assert.Equal(t, 14, cfg.Billing.TrialDays)
	assert.Equal(t, int64(6900), cfg.Billing.Fleet.Monthly.AmountCents)
	assert.Empty(t, cfg.Billing.Fleet.Monthly.PriceID)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Equal(t, "billing", cfg.Auth.Scope)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
app:
  port: "9090"
billing:
  basic:
    monthly:
      priceId: price_basic_m
      amountCents: 2000
  idempotencyWindow: 45s
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("STRIPE_WEBHOOKSECRET=whsec_from_dotenv\n"), 0o600))

	t.Setenv("BILLING_FLEET_YEARLY_PRICEID", "price_fleet_y")
	t.Setenv("LOGGING_LEVEL", "debug")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Unsetenv("STRIPE_WEBHOOKSECRET") })

	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, "price_basic_m", cfg.Billing.Basic.Monthly.PriceID)
	assert.Equal(t, int64(2000), cfg.Billing.Basic.Monthly.AmountCents)
	assert.Equal(t, 45*time.Second, cfg.Billing.IdempotencyWindow)
	assert.Equal(t, "price_fleet_y", cfg.Billing.Fleet.Yearly.PriceID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "whsec_from_dotenv", cfg.Stripe.WebhookSecret)
}
