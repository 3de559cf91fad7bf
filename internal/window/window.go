package window

import (
	"fmt"
	"strconv"
	"strings"

	"fetchline/internal/dates"
	"fetchline/internal/query"
)

// Resolve turns the query's temporal clause into an absolute inclusive
// window against the injected today. The boolean is false when the query
// carries no usable window: no temporal clause, or a clause with a missing
// start (open-ended on the left is unsupported).
func Resolve(c query.Constraints, today dates.CalendarDate) (dates.Window, bool) {
	tc := c.Temporal()
	if tc == nil || tc.Start == "" {
		return dates.Window{}, false
	}
	start, err := resolveBound(tc.Start, today)
	if err != nil {
		return dates.Window{}, false
	}
	end := today
	if tc.End != "" {
		end, err = resolveBound(tc.End, today)
		if err != nil {
			return dates.Window{}, false
		}
	}
	w, err := dates.NewWindow(start, end)
	if err != nil {
		return dates.Window{}, false
	}
	return w, true
}

// resolveBound handles relative expressions (-Nd, -Nw, -Nm, -Ny counted
// back from today) and absolute D-Mon-YY literals.
func resolveBound(expr string, today dates.CalendarDate) (dates.CalendarDate, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "-") {
		return resolveRelative(expr, today)
	}
	return dates.Parse(expr)
}

func resolveRelative(expr string, today dates.CalendarDate) (dates.CalendarDate, error) {
	if len(expr) < 3 {
		return dates.CalendarDate{}, fmt.Errorf("invalid relative date %q", expr)
	}
	n, err := strconv.Atoi(expr[1 : len(expr)-1])
	if err != nil || n < 0 {
		return dates.CalendarDate{}, fmt.Errorf("invalid relative date %q", expr)
	}
	switch expr[len(expr)-1] {
	case 'd':
		return today.AddDays(-n), nil
	case 'w':
		return today.AddDays(-n * 7), nil
	case 'm':
		return today.AddMonths(-n), nil
	case 'y':
		return today.AddYears(-n), nil
	default:
		return dates.CalendarDate{}, fmt.Errorf("invalid relative date unit in %q", expr)
	}
}
