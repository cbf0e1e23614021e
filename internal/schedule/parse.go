package schedule

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/drfirst/go-adherence/internal/domain/reminder"
)

var (
	tripletPattern    = regexp.MustCompile(`(?:^|[^\d])(\d)\s*[-_]\s*(\d)\s*[-_]\s*(\d)(?:[^\d]|$)`)
	timesDailyPattern = regexp.MustCompile(`\b(\d+|one|two|three|four|five|six)\s*(?:x|times)\s*(?:a|per|/|in\s+a)?\s*(?:day|daily)\b`)
	wordDailyPattern  = regexp.MustCompile(`\b(once|twice|thrice)\s*(?:a|per|/)?\s*(?:day|daily)\b`)
	everyHoursPattern = regexp.MustCompile(`\bevery\s+(\d+)\s*(?:hours?|hrs?|h)\b|\b(\d+)\s*-?\s*hourly\b|\bq(\d+)h\b`)

	timingPattern   = regexp.MustCompile(`\b(before|after|with)\s+(?:the\s+)?(food|meals?|eating|breakfast|lunch|dinner)\b`)
	durationPattern = regexp.MustCompile(`\b(\d+|one|two|three|four|five|six|seven|ten|fourteen)\s*(days?|d|weeks?|wks?|w|months?|mo)\b`)
	singlePeriod    = regexp.MustCompile(`\ba\s+(week|month)\b`)
	dosePattern     = regexp.MustCompile(`\b(\d+(?:\.\d+)?|\d+/\d+|half|one|two|three)\s*(tablets?|tabs?|capsules?|caps?|ml|drops?|tsp|tbsp|puffs?|units?|sachets?)\b`)
	digitsOnly      = regexp.MustCompile(`^\d+$`)
)

var wordNumbers = map[string]int{
	"a": 1, "one": 1, "once": 1,
	"two": 2, "twice": 2,
	"three": 3, "thrice": 3,
	"four": 4, "five": 5, "six": 6, "seven": 7, "ten": 10, "fourteen": 14,
}

// abbreviations used on handwritten and printed prescriptions
var cadenceKeywords = []struct {
	word    string
	cadence reminder.Cadence
}{
	{"qid", reminder.Cadence{Morning: 2, Evening: 2}},
	{"qds", reminder.Cadence{Morning: 2, Evening: 2}},
	{"tds", reminder.Cadence{Morning: 1, Afternoon: 1, Evening: 1}},
	{"tid", reminder.Cadence{Morning: 1, Afternoon: 1, Evening: 1}},
	{"bid", reminder.Cadence{Morning: 1, Evening: 1}},
	{"bd", reminder.Cadence{Morning: 1, Evening: 1}},
	{"od", reminder.Cadence{Morning: 1}},
	{"hs", reminder.Cadence{Evening: 1}},
	{"thrice", reminder.Cadence{Morning: 1, Afternoon: 1, Evening: 1}},
	{"twice", reminder.Cadence{Morning: 1, Evening: 1}},
	{"once", reminder.Cadence{Morning: 1}},
}

var slotKeywords = map[string]reminder.Slot{
	"morning":   reminder.SlotMorning,
	"afternoon": reminder.SlotAfternoon,
	"noon":      reminder.SlotAfternoon,
	"evening":   reminder.SlotEvening,
	"night":     reminder.SlotEvening,
	"bedtime":   reminder.SlotEvening,
}

// DefaultCadence is used when nothing in the prescription describes a frequency
var DefaultCadence = reminder.Cadence{Morning: 1, Evening: 1}

// ParseCadence resolves a cadence from free text. Explicit M-A-E triplets win over
// times-per-day and interval patterns, which win over keywords.
func ParseCadence(text string) (reminder.Cadence, bool) {
	s := normalize(text)
	if s == "" {
		return reminder.Cadence{}, false
	}

	if m := tripletPattern.FindStringSubmatch(s); m != nil {
		c := reminder.Cadence{Morning: atoi(m[1]), Afternoon: atoi(m[2]), Evening: atoi(m[3])}
		if c.Total() > 0 {
			return c, true
		}
	}

	if n, ok := timesPerDay(s); ok {
		return Distribute(n), true
	}

	words := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	present := make(map[string]bool, len(words))
	for _, w := range words {
		present[w] = true
	}
	for _, kw := range cadenceKeywords {
		if present[kw.word] {
			return kw.cadence, true
		}
	}

	var c reminder.Cadence
	for _, w := range words {
		switch slotKeywords[w] {
		case reminder.SlotMorning:
			c.Morning = 1
		case reminder.SlotAfternoon:
			c.Afternoon = 1
		case reminder.SlotEvening:
			c.Evening = 1
		}
	}
	if c.Total() > 0 {
		return c, true
	}
	return reminder.Cadence{}, false
}

func timesPerDay(s string) (int, bool) {
	if m := timesDailyPattern.FindStringSubmatch(s); m != nil {
		if n := number(m[1]); n > 0 {
			return n, true
		}
	}
	if m := wordDailyPattern.FindStringSubmatch(s); m != nil {
		return wordNumbers[m[1]], true
	}
	if m := everyHoursPattern.FindStringSubmatch(s); m != nil {
		hours := 0
		for _, g := range m[1:] {
			if g != "" {
				hours = atoi(g)
			}
		}
		if hours > 0 && hours <= 24 {
			return 24 / hours, true
		}
	}
	return 0, false
}

// Distribute spreads n daily doses across slots: 1 morning, 2 morning and evening,
// 3 one per slot, 4 two each morning and evening, more than 4 evenly with the
// remainder going to the evening.
func Distribute(n int) reminder.Cadence {
	switch {
	case n <= 0:
		return reminder.Cadence{}
	case n == 1:
		return reminder.Cadence{Morning: 1}
	case n == 2:
		return reminder.Cadence{Morning: 1, Evening: 1}
	case n == 3:
		return reminder.Cadence{Morning: 1, Afternoon: 1, Evening: 1}
	case n == 4:
		return reminder.Cadence{Morning: 2, Evening: 2}
	}
	base := n / 3
	return reminder.Cadence{Morning: base, Afternoon: base, Evening: base + n%3}
}

// ParseTiming classifies the food relation of a dose, defaulting to anytime
func ParseTiming(text string) reminder.TimingType {
	s := normalize(text)
	switch {
	case strings.Contains(s, "empty stomach"):
		return reminder.TimingEmptyStomach
	case strings.Contains(s, "any time"), strings.Contains(s, "anytime"), strings.Contains(s, "as needed"):
		return reminder.TimingAnytime
	}
	if m := timingPattern.FindStringSubmatch(s); m != nil {
		switch m[1] {
		case "before":
			return reminder.TimingBeforeFood
		case "after":
			return reminder.TimingAfterFood
		case "with":
			return reminder.TimingWithFood
		}
	}
	return reminder.TimingAnytime
}

// ParseDurationDays converts "N days/weeks/months" into days, weeks being 7 and months 30
func ParseDurationDays(text string) (int, bool) {
	s := normalize(text)
	if digitsOnly.MatchString(s) {
		if n := atoi(s); n > 0 {
			return n, true
		}
		return 0, false
	}
	m := durationPattern.FindStringSubmatch(s)
	if m == nil {
		if p := singlePeriod.FindStringSubmatch(s); p != nil {
			m = []string{p[0], "a", p[1]}
		} else {
			return 0, false
		}
	}
	n := number(m[1])
	if n <= 0 {
		return 0, false
	}
	switch unit := m[2]; {
	case strings.HasPrefix(unit, "w"):
		return n * 7, true
	case strings.HasPrefix(unit, "mo"):
		return n * 30, true
	default:
		return n, true
	}
}

// ParseDose extracts a display dose such as "2 tablets" or "5 ml"
func ParseDose(text string) (string, bool) {
	m := dosePattern.FindStringSubmatch(normalize(text))
	if m == nil {
		return "", false
	}
	amount := m[1]
	switch amount {
	case "half":
		amount = "0.5"
	case "one", "two", "three":
		amount = strconv.Itoa(wordNumbers[amount])
	}

	unit := canonicalUnit(m[2])
	if unit == "ml" || unit == "tsp" || unit == "tbsp" || amount == "1" || strings.Contains(amount, "/") || strings.HasPrefix(amount, "0.") {
		return amount + " " + unit, true
	}
	return amount + " " + unit + "s", true
}

func canonicalUnit(u string) string {
	switch {
	case strings.HasPrefix(u, "tab"):
		return "tablet"
	case strings.HasPrefix(u, "cap"):
		return "capsule"
	case strings.HasPrefix(u, "drop"):
		return "drop"
	case strings.HasPrefix(u, "puff"):
		return "puff"
	case strings.HasPrefix(u, "unit"):
		return "unit"
	case strings.HasPrefix(u, "sachet"):
		return "sachet"
	}
	return u
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func number(s string) int {
	if n, ok := wordNumbers[s]; ok {
		return n
	}
	return atoi(s)
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
