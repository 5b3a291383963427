package gamma

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/yichenwong/polyproxy/internal/domain"
)

// Normalize converts one raw Gamma record into the canonical market shape.
// It never fails: missing fields fall back to zero values, the stringified
// outcome arrays become empty on bad JSON, and an unparseable price counts
// as probability 0.
func Normalize(raw RawMarket, now time.Time) domain.Market {
	names := parseStringArray(raw.Outcomes)
	prices := parseStringArray(raw.OutcomePrices)

	outcomes := make([]domain.Outcome, 0, len(names))
	for i, name := range names {
		p := 0.0
		if i < len(prices) {
			if v, ok := parsePrice(prices[i]); ok {
				p = v
			}
		}
		outcomes = append(outcomes, domain.Outcome{Name: name, Probability: p})
	}

	m := domain.Market{
		ID:          raw.ID,
		Question:    raw.Question,
		Slug:        raw.Slug,
		Tags:        []string(raw.Tags),
		Outcomes:    outcomes,
		Volume24h:   float64(raw.Volume24hr),
		VolumeTotal: firstNonZero(float64(raw.VolumeNum), float64(raw.Volume)),
		Liquidity:   firstNonZero(float64(raw.LiquidityNum), float64(raw.Liquidity)),
		Active:      bool(raw.Active),
		Closed:      bool(raw.Closed),
		FetchedAt:   now,
	}

	if raw.Description != "" {
		m.Description = &raw.Description
	}
	if raw.Category != "" {
		m.Category = &raw.Category
	}
	if end := firstNonEmpty(raw.EndDate, raw.EndDateISO); end != "" {
		m.EndDate = &end
	}

	// Spread only exists once the first two prices both parse. It measures
	// how far a binary market's prices drift from summing to 1.
	if len(prices) >= 2 {
		p0, ok0 := parsePrice(prices[0])
		p1, ok1 := parsePrice(prices[1])
		if ok0 && ok1 {
			s := math.Abs(p0 + p1 - 1)
			m.Spread = &s
		}
	}

	return m
}

// parseStringArray decodes a JSON-encoded string array. Empty input and
// malformed JSON both yield nil.
func parseStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func parsePrice(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
