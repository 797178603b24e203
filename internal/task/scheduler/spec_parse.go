package scheduler

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeCron adapts Quartz-style expressions to the cron parser:
//   - a trailing seventh (year) field is dropped when it matches every year;
//   - in a Quartz-shaped expression (six or seven fields with '?' in a day
//     field) numeric weekdays move from Quartz 1-7 (SUN=1) to 0-6 (SUN=0).
//
// Six-field expressions without '?' keep the parser's 0-6 weekdays. Other
// Quartz extensions (L, W, #) are left for the parser to reject.
func NormalizeCron(expr string) (string, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", fmt.Errorf("cron expression required")
	}
	if strings.HasPrefix(expr, "@") || strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return expr, nil
	}
	fields := strings.Fields(expr)
	quartz := false
	if len(fields) == 7 {
		year := fields[6]
		if year != "*" && year != "?" {
			return "", fmt.Errorf("cron year field %q not supported", year)
		}
		fields = fields[:6]
		quartz = true
	}
	if len(fields) == 6 && (fields[3] == "?" || fields[5] == "?") {
		quartz = true
	}
	if quartz && len(fields) == 6 {
		dow, err := quartzWeekdays(fields[5])
		if err != nil {
			return "", err
		}
		fields[5] = dow
	}
	return strings.Join(fields, " "), nil
}

// quartzWeekdays shifts every numeric weekday in a day-of-week field down by
// one. Step values after '/' are counts, not weekdays, and stay as they are.
func quartzWeekdays(field string) (string, error) {
	if field == "?" || field == "*" {
		return field, nil
	}
	items := strings.Split(field, ",")
	for i, item := range items {
		base, step, hasStep := strings.Cut(item, "/")
		lo, hi, isRange := strings.Cut(base, "-")
		lo, err := shiftWeekday(lo)
		if err != nil {
			return "", err
		}
		out := lo
		if isRange {
			if hi, err = shiftWeekday(hi); err != nil {
				return "", err
			}
			out += "-" + hi
		}
		if hasStep {
			out += "/" + step
		}
		items[i] = out
	}
	return strings.Join(items, ","), nil
}

func shiftWeekday(v string) (string, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		// Names (MON), '*' and Quartz-only forms (5L, 6#3) pass through.
		return v, nil
	}
	if n < 1 || n > 7 {
		return "", fmt.Errorf("day-of-week %d out of range 1-7 (1 = Sunday)", n)
	}
	return strconv.Itoa(n - 1), nil
}
