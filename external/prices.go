package external

import (
	"fmt"
	"os"
)

// PriceTable is the static mapping from paid plan type to the processor's
// price identifier
type PriceTable map[string]string

// PriceTableFromEnv reads the price mapping from the environment
func PriceTableFromEnv() PriceTable {
	return PriceTable{
		"pro":        os.Getenv("STRIPE_PRO_PRICE_ID"),
		"enterprise": os.Getenv("STRIPE_ENTERPRISE_PRICE_ID"),
	}
}

// For resolves the price id for a paid plan type
func (t PriceTable) For(planType string) (string, error) {
	priceID := t[planType]
	if len(priceID) == 0 {
		return "", &ConfigError{
			Reason: fmt.Sprintf("no price id configured for plan %q", planType),
		}
	}
	return priceID, nil
}

// Validate ensures every known paid plan has a price id. Production
// deployments call this at startup so a missing mapping is fatal early
// instead of per-request.
func (t PriceTable) Validate() error {
	for planType, priceID := range t {
		if len(priceID) == 0 {
			return &ConfigError{
				Reason: fmt.Sprintf("no price id configured for plan %q", planType),
			}
		}
	}
	return nil
}
