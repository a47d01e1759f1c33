package detection

import "gatekeeper/internal/config"

// CountryLocator resolves an address to an ISO country code.
type CountryLocator interface {
	Country(address string) string
}

// Geographic never flags a request. When a locator is configured the
// resolved country is attached for diagnostics only.
func Geographic(req Request, locator CountryLocator) Result {
	result := Result{Algorithm: config.AlgorithmGeographic, Reason: "Geographic analysis disabled"}
	if locator != nil {
		if country := locator.Country(req.Address); country != "" {
			result.Details = map[string]any{"country": country}
		}
	}
	return result
}
