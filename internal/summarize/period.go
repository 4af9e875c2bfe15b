package summarize

import (
	"time"

	"github.com/lumeos/chatdigest/internal/config"
)

// Period is a trailing time window selectable from the chat keyboard.
type Period struct {
	Label    string
	Duration time.Duration
}

var (
	Last24h = Period{Label: "24 hours", Duration: 24 * time.Hour}
	Last3d  = Period{Label: "3 days", Duration: 72 * time.Hour}
	Last1w  = Period{Label: "1 week", Duration: 7 * 24 * time.Hour}
)

func DefaultPeriods() []Period {
	return []Period{Last24h, Last3d, Last1w}
}

// PeriodsFromConfig converts configured period definitions, falling back to
// the defaults when none are configured.
func PeriodsFromConfig(defs []config.PeriodConfig) []Period {
	if len(defs) == 0 {
		return DefaultPeriods()
	}
	periods := make([]Period, 0, len(defs))
	for _, d := range defs {
		if d.Label == "" || d.Hours <= 0 {
			continue
		}
		periods = append(periods, Period{Label: d.Label, Duration: time.Duration(d.Hours) * time.Hour})
	}
	if len(periods) == 0 {
		return DefaultPeriods()
	}
	return periods
}

// FindPeriod resolves a keyboard label to its period.
func FindPeriod(periods []Period, label string) (Period, bool) {
	for _, p := range periods {
		if p.Label == label {
			return p, true
		}
	}
	return Period{}, false
}
