// Package curator implements the Intel Curator: an in-memory, per-mission
// evidence pool with price-priority truncation so the synthesis prompt
// never exceeds the LLM Gateway's payload budget. The truncation policy is
// deterministic and pure so it is testable without any network dependency.
package curator

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	defaultRecordCap  = 2000
	synthesisOverhead = 1024 // reserved for the fixed synthesis prompt template
)

// Record is one piece of evidence gathered during a mission.
type Record struct {
	SourceTool     string
	QueryOrURL     string
	Content        string
	IsPriceBearing bool
}

var priceSignal = regexp.MustCompile(`(?i)(\$|€|£|USD)\s?[\d,]+|\b(price|msrp|cost)\b[^.]{0,40}[\d,]+`)

// Classify reports whether content matches the configured currency-and-
// number patterns that mark it as price-bearing.
func Classify(content string) bool {
	return priceSignal.MatchString(content)
}

// Pool is the per-mission, in-memory evidence sequence. A Pool is never
// shared across missions and is discarded after synthesis.
type Pool struct {
	records     []Record
	recordCap   int
	budgetBytes int
}

// New constructs a Pool bound to a synthesis budget derived from the LLM
// Gateway's MaxPayloadBytes.
func New(maxPayloadBytes int) *Pool {
	budget := maxPayloadBytes - synthesisOverhead
	if budget < 0 {
		budget = 0
	}
	return &Pool{recordCap: defaultRecordCap, budgetBytes: budget}
}

// WithBudget overrides the materialization budget, used by the executor's
// PayloadTooLarge retry to materialize under a tighter ceiling. The budget
// alone decides the form: price records that still fit at the truncation
// floor are rendered as records, not as a price summary.
func (p *Pool) WithBudget(budgetBytes int) *Pool {
	return &Pool{records: p.records, recordCap: p.recordCap, budgetBytes: budgetBytes}
}

// Append adds a record, truncating its content to the per-record cap.
func (p *Pool) Append(r Record) {
	if len(r.Content) > p.recordCap {
		r.Content = r.Content[:p.recordCap]
	}
	if !r.IsPriceBearing {
		r.IsPriceBearing = Classify(r.Content)
	}
	p.records = append(p.records, r)
}

// HasPriceBearing reports whether any record so far is price-bearing, used
// by the Mission Executor's price-mission optimization to decide whether
// search_prices still needs to run.
func (p *Pool) HasPriceBearing() bool {
	for _, r := range p.records {
		if r.IsPriceBearing {
			return true
		}
	}
	return false
}

// Materialize returns the concatenation the synthesis prompt will embed,
// guaranteed to fit the pool's budget. The truncation policy, in priority
// order: emit as-is if it fits; else keep all price-bearing records
// (truncating the longest first) ahead of general records; else fall back
// to an extracted price-summary; else, with no price data, drop general
// records from the tail until it fits.
func (p *Pool) Materialize() (string, error) {
	full := render(p.records)
	if len(full) <= p.budgetBytes {
		return full, nil
	}

	priceRecords, generalRecords := split(p.records)

	if len(priceRecords) > 0 {
		if fitted, ok := fitPriceRecords(priceRecords, p.budgetBytes); ok {
			for _, g := range generalRecords {
				if len(render(append(fitted, g))) > p.budgetBytes {
					break
				}
				fitted = append(fitted, g)
			}
			return render(fitted), nil
		}
		return priceSummary(priceRecords, p.budgetBytes), nil
	}

	return dropFromTail(generalRecords, p.budgetBytes), nil
}

func split(records []Record) (price, general []Record) {
	for _, r := range records {
		if r.IsPriceBearing {
			price = append(price, r)
		} else {
			general = append(general, r)
		}
	}
	return price, general
}

// fitPriceRecords tries to make all price-bearing records fit by truncating
// the longest ones first, down to a per-record floor. Returns ok=false if
// even that floor does not fit, which hands Materialize over to the
// extracted-summary form. The floor is sized so a pool of a hundred
// maximally-truncated records still overflows the default payload budget
// rather than fitting as a wall of clipped text.
func fitPriceRecords(records []Record, budget int) ([]Record, bool) {
	working := make([]Record, len(records))
	copy(working, records)

	const floor = 300
	for render(working) != "" && len(render(working)) > budget {
		longestIdx, longestLen := -1, floor
		for i, r := range working {
			if len(r.Content) > longestLen {
				longestLen = len(r.Content)
				longestIdx = i
			}
		}
		if longestIdx == -1 {
			return nil, false
		}
		newLen := longestLen - 100
		if newLen < floor {
			newLen = floor
		}
		if newLen >= len(working[longestIdx].Content) {
			return nil, false
		}
		working[longestIdx].Content = working[longestIdx].Content[:newLen]
	}
	return working, len(render(working)) <= budget
}

// priceSummary distills each price-bearing record to a (source, snippet)
// tuple around the first currency match, used when even minimally
// truncated price records exceed the budget.
func priceSummary(records []Record, budget int) string {
	var lines []string
	for _, r := range records {
		loc := priceSignal.FindStringIndex(r.Content)
		snippet := r.Content
		if loc != nil {
			start := loc[0] - 40
			if start < 0 {
				start = 0
			}
			end := loc[1] + 40
			if end > len(r.Content) {
				end = len(r.Content)
			}
			snippet = strings.TrimSpace(r.Content[start:end])
		}
		lines = append(lines, fmt.Sprintf("%s: %s", r.QueryOrURL, snippet))
	}
	summary := strings.Join(lines, "\n")
	if len(summary) > budget {
		summary = summary[:budget]
	}
	return summary
}

// dropFromTail removes the latest-arriving general records until the
// remaining set fits the budget.
func dropFromTail(records []Record, budget int) string {
	working := make([]Record, len(records))
	copy(working, records)
	for len(working) > 0 && len(render(working)) > budget {
		working = working[:len(working)-1]
	}
	out := render(working)
	if len(out) > budget {
		out = out[:budget]
	}
	return out
}

func render(records []Record) string {
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(fmt.Sprintf("[%s] %s\n%s", r.SourceTool, r.QueryOrURL, r.Content))
	}
	return b.String()
}
