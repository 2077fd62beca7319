package domain

// Document is one row of a context view keyed by column name.
type Document map[string]any

// FinancialContext is the per-request aggregate embedded into the persona
// instruction. It is rebuilt for every question and never persisted.
type FinancialContext struct {
	Profile          Document
	Positions        []Document
	NewsSentiment    []Document
	PersonalizedNews []Document
	Market           Document
}

// Normalized returns a copy where absent parts are empty rather than nil so
// they serialize as {} and [].
func (c FinancialContext) Normalized() FinancialContext {
	if c.Profile == nil {
		c.Profile = Document{}
	}
	if c.Positions == nil {
		c.Positions = []Document{}
	}
	if c.NewsSentiment == nil {
		c.NewsSentiment = []Document{}
	}
	if c.PersonalizedNews == nil {
		c.PersonalizedNews = []Document{}
	}
	if c.Market == nil {
		c.Market = Document{}
	}
	return c
}
