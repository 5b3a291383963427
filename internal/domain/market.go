package domain

import "time"

// Outcome pairs an outcome name with its implied probability.
type Outcome struct {
	Name        string  `json:"name"`
	Probability float64 `json:"probability"`
}

// Market is the normalized view of an upstream market record.
//
// Numeric fields default to zero when the upstream record omits them.
// Spread is |p0+p1-1| over the first two outcome prices, a data-quality
// signal for binary markets rather than a true bid-ask spread; it is nil
// when fewer than two prices parse.
type Market struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Slug        string    `json:"slug"`
	Description *string   `json:"description"`
	Category    *string   `json:"category"`
	Tags        []string  `json:"-"` // used for category matching, not part of the response shape
	Outcomes    []Outcome `json:"outcomes"`
	Volume24h   float64   `json:"volume24h"`
	VolumeTotal float64   `json:"volumeTotal"`
	Liquidity   float64   `json:"liquidity"`
	EndDate     *string   `json:"endDate"`
	Active      bool      `json:"active"`
	Closed      bool      `json:"closed"`
	Spread      *float64  `json:"spread"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// CategoryGroup is one bucket of the categories listing.
type CategoryGroup struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}
