package validation

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mmrzaf/invsync/internal/config"
	"github.com/mmrzaf/invsync/internal/domain"
	"github.com/mmrzaf/invsync/internal/pricing"
)

// MaxListLimit caps operator batch listings.
const MaxListLimit = 1000

var (
	ErrMissingAPIKey  = errors.New("api key is not configured")
	ErrMissingBaseURL = errors.New("api base url is not configured")
)

// ValidateCredentials checks what a sync run needs before it touches the
// remote catalog. Both missing values are reported together.
func ValidateCredentials(cfg *config.Config) error {
	if cfg == nil {
		return errors.Join(ErrMissingBaseURL, ErrMissingAPIKey)
	}
	var errs []error
	if strings.TrimSpace(cfg.APIBaseURL) == "" {
		errs = append(errs, ErrMissingBaseURL)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	return errors.Join(errs...)
}

// ValidateConfig checks ranges, enums and currency codes. It does not require
// credentials; see ValidateCredentials.
func ValidateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	if cfg.APIBaseURL != "" {
		u, err := url.Parse(cfg.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid api base url: %q", cfg.APIBaseURL)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("unsupported api base url scheme: %s", u.Scheme)
		}
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	if cfg.DrainInterval <= 0 {
		return fmt.Errorf("drain interval must be > 0, got %s", cfg.DrainInterval)
	}
	if cfg.FullRunInterval < config.MinFullRunInterval {
		return fmt.Errorf("full run interval must be >= %s, got %s", config.MinFullRunInterval, cfg.FullRunInterval)
	}
	if cfg.RequestTimeout < config.MinRequestTimeout {
		return fmt.Errorf("request timeout must be >= %s, got %s", config.MinRequestTimeout, cfg.RequestTimeout)
	}
	if !IsValidQueueDriver(cfg.QueueDriver) {
		return fmt.Errorf("unsupported queue driver: %s", cfg.QueueDriver)
	}
	if strings.TrimSpace(cfg.QueueDSN) == "" {
		return errors.New("queue dsn is required")
	}
	if strings.TrimSpace(cfg.CatalogDBPath) == "" {
		return errors.New("catalog db path is required")
	}
	if !pricing.ValidISO(cfg.BaseCurrency) {
		return fmt.Errorf("invalid base currency: %q", cfg.BaseCurrency)
	}
	if !pricing.ValidISO(cfg.TargetCurrency) {
		return fmt.Errorf("invalid target currency: %q", cfg.TargetCurrency)
	}
	return nil
}

func IsValidQueueDriver(driver string) bool {
	switch driver {
	case "sqlite", "postgres":
		return true
	default:
		return false
	}
}

// ValidateListRequest checks an operator listing filter. An empty status
// means any status.
func ValidateListRequest(limit int, status string) error {
	if limit < 0 || limit > MaxListLimit {
		return fmt.Errorf("limit must be between 0 and %d, got %d", MaxListLimit, limit)
	}
	if status != "" && !domain.BatchStatus(status).Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	return nil
}
