package transcript

import "github.com/agentfleet/conductor/internal/pricing"

// UsageExtract is the optional token-usage sample pulled off a record,
// per §4.B "Extract usage".
type UsageExtract struct {
	MessageID        string
	Model            string
	InputTokens      int
	OutputTokens     int
	CacheRead        int
	CacheCreate5m    int
	CacheCreate1h    int
}

// ExtractUsage returns the usage sample carried by an assistant record, or
// ok=false when the record has no usage block.
func ExtractUsage(rec *Record) (UsageExtract, bool) {
	if rec == nil || rec.Message == nil || rec.Message.Usage == nil {
		return UsageExtract{}, false
	}
	u := rec.Message.Usage
	return UsageExtract{
		MessageID:     rec.Message.ID,
		Model:         rec.Message.Model,
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
		CacheRead:     u.CacheReadInputTokens,
		CacheCreate5m: u.cache5m(),
		CacheCreate1h: u.cache1h(),
	}, true
}

// ContextUsage is the sum of all four token categories on a single sample,
// per §4.B "Compute context usage": input, output, cache read, and cache
// creation (counted as its 5m plus 1h parts).
func (u UsageExtract) ContextUsage() int {
	return u.InputTokens + u.OutputTokens + u.CacheRead + u.CacheCreate5m + u.CacheCreate1h
}

// ComputeCost looks up the model's pricing and suppresses cost to zero for
// a message id already seen earlier in the same session, per the
// cost-dedup testable property.
func ComputeCost(u UsageExtract, schedule *pricing.Schedule, seen map[string]bool) float64 {
	if u.MessageID != "" {
		if seen[u.MessageID] {
			return 0
		}
		seen[u.MessageID] = true
	}
	return schedule.Cost(u.Model, u.InputTokens, u.OutputTokens, u.CacheRead, u.CacheCreate5m, u.CacheCreate1h)
}
