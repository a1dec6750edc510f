package core

import (
	"github.com/rafabd1/Nettle/internal/utils"
)

// CacheControlClass is the verdict on a response's Cache-Control header.
type CacheControlClass struct {
	Code               string    `json:"code" yaml:"code"`
	Severity           RiskLevel `json:"severity" yaml:"severity"`
	Description        string    `json:"description" yaml:"description"`
	ProperlyConfigured bool      `json:"properly_configured" yaml:"properly_configured"`
}

// Cache-Control classification codes.
const (
	CodeMissingCacheControl      = "missing-cache-control"
	CodePublicCacheControl       = "public-cache-control"
	CodeProperCacheControl       = "proper-cache-control"
	CodePrivateCacheControl      = "private-cache-control"
	CodeInsufficientCacheControl = "insufficient-cache-control"
)

// ClassifyCacheControl applies the Cache-Control decision table. The first matching
// row wins and directives are compared case-insensitively:
//
//	absent                 HIGH
//	public                 CRITICAL
//	no-store and no-cache  LOW
//	private                MEDIUM
//	anything else          MEDIUM
func ClassifyCacheControl(value string, present bool) CacheControlClass {
	if !present {
		return CacheControlClass{
			Code:        CodeMissingCacheControl,
			Severity:    RiskHigh,
			Description: "missing Cache-Control header",
		}
	}

	directives := utils.ParseDirectives(value)
	_, public := directives["public"]
	_, noStore := directives["no-store"]
	_, noCache := directives["no-cache"]
	_, private := directives["private"]

	switch {
	case public:
		return CacheControlClass{
			Code:        CodePublicCacheControl,
			Severity:    RiskCritical,
			Description: "public caching permitted on authentication endpoint",
		}
	case noStore && noCache:
		return CacheControlClass{
			Code:               CodeProperCacheControl,
			Severity:           RiskLow,
			Description:        "properly configured",
			ProperlyConfigured: true,
		}
	case private:
		return CacheControlClass{
			Code:        CodePrivateCacheControl,
			Severity:    RiskMedium,
			Description: "browser-local caching permitted",
		}
	default:
		return CacheControlClass{
			Code:        CodeInsufficientCacheControl,
			Severity:    RiskMedium,
			Description: "Cache-Control present but insufficient",
		}
	}
}

// PragmaIsNoCache reports whether a Pragma header carries no-cache.
func PragmaIsNoCache(value string, present bool) bool {
	return present && utils.HasDirective(value, "no-cache")
}

// EndpointRisk is the maximum severity among the classification and the vulnerabilities.
func EndpointRisk(class CacheControlClass, vulns []Vulnerability) RiskLevel {
	levels := make([]RiskLevel, 0, len(vulns)+1)
	levels = append(levels, class.Severity)
	for _, v := range vulns {
		levels = append(levels, v.Severity)
	}
	return MaxRisk(levels...)
}
