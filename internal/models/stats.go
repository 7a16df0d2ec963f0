package models

// TokenCacheStats is a point-in-time snapshot of OAuth2 cache counters.
type TokenCacheStats struct {
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	Acquisitions int64   `json:"acquisitions"`
	Refreshes    int64   `json:"refreshes"`
	Failures     int64   `json:"failures"`
	CachedTokens int     `json:"cached_tokens"`
	HitRate      float64 `json:"hit_rate"`
}

// SignerStats is a point-in-time snapshot of OAuth1 signing counters.
type SignerStats struct {
	Total       int64   `json:"total"`
	Successful  int64   `json:"successful"`
	Failed      int64   `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// Ratio returns num/den, or 0 when den is 0.
func Ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}

	return float64(num) / float64(den)
}
