package gamma

import (
	"encoding/json"
	"strconv"
	"strings"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma
// responses work whether a flag is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexFloat unmarshals from a JSON number or a numeric string. Gamma sends
// volume and liquidity as numbers on some endpoints and quoted strings on
// others. A string that does not parse decodes as 0 rather than failing
// the whole record.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*f = flexFloat(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexFloat(n)
	return nil
}

// flexStrings unmarshals from a JSON array of strings or an array of
// objects carrying a "label" field, the two shapes Gamma uses for tags.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var plain []string
	if err := json.Unmarshal(data, &plain); err == nil {
		*f = plain
		return nil
	}
	var tagged []struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	out := make([]string, 0, len(tagged))
	for _, t := range tagged {
		if t.Label != "" {
			out = append(out, t.Label)
		}
	}
	*f = out
	return nil
}

// RawMarket represents a market as returned by the Polymarket Gamma API.
// Every field is optional upstream; zero values stand in for absent ones.
type RawMarket struct {
	ID            string      `json:"id"`
	Question      string      `json:"question"`
	Slug          string      `json:"slug"`
	Description   string      `json:"description"`
	Category      string      `json:"category"`
	Tags          flexStrings `json:"tags"`
	Active        flexBool    `json:"active"` // API may send bool or "true"/"false" string
	Closed        flexBool    `json:"closed"`
	EndDate       string      `json:"endDate"`
	EndDateISO    string      `json:"endDateIso"`
	Volume24hr    flexFloat   `json:"volume24hr"`
	VolumeNum     flexFloat   `json:"volumeNum"`
	Volume        flexFloat   `json:"volume"`
	LiquidityNum  flexFloat   `json:"liquidityNum"`
	Liquidity     flexFloat   `json:"liquidity"`
	Outcomes      string      `json:"outcomes"`      // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	OutcomePrices string      `json:"outcomePrices"` // JSON-encoded: e.g. "[\"0.5\",\"0.5\"]"
}
