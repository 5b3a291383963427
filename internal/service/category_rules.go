package service

// categoryRule widens a requested category with related category and
// question terms, so a colloquial name like "crypto" still matches
// markets filed under "Cryptocurrency".
type categoryRule struct {
	categoryTerms []string // substrings matched against the market category
	questionTerms []string // substrings matched against the market question
}

// categoryRules maps a lowercase requested category to its widening rule.
// All terms are lowercase.
var categoryRules = map[string]categoryRule{
	"crypto": {
		categoryTerms: []string{"cryptocurrency"},
		questionTerms: []string{"bitcoin", "crypto"},
	},
	"politics": {
		categoryTerms: []string{"political", "election"},
	},
	"sports": {
		categoryTerms: []string{"sport"},
		questionTerms: []string{"super bowl"},
	},
}
