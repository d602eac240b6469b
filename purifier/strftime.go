package purifier

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonchun/shellpure/ast"
)

// defaultDateFormat is what date prints without a format, in the C locale.
const defaultDateFormat = "%a %b %e %H:%M:%S %Z %Y"

// formatDate evaluates `date [-u] [+FORMAT]` at epoch, always in UTC.
// sourceEpoch is set for a bare +%s, which callers render as
// ${SOURCE_DATE_EPOCH:-epoch}.
func formatDate(args []*ast.Word, epoch int64) (value string, sourceEpoch bool, err error) {
	format := defaultDateFormat
	haveFormat := false
	for _, w := range args {
		a, ok := w.Static()
		if !ok {
			return "", false, fmt.Errorf("date with a dynamic argument cannot be evaluated statically")
		}
		switch {
		case a == "-u" || a == "--utc" || a == "--universal":
		case strings.HasPrefix(a, "+") && !haveFormat:
			format, haveFormat = a[1:], true
		default:
			return "", false, fmt.Errorf("date %s cannot be evaluated statically", a)
		}
	}
	if format == "%s" {
		return strconv.FormatInt(epoch, 10), true, nil
	}
	value, err = strftime(format, time.Unix(epoch, 0).UTC())
	return value, false, err
}

var weekdays = [...]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// strftime formats t with the C-locale date(1) directives. Unknown
// directives are an error rather than a guess.
func strftime(format string, t time.Time) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(format) {
			return "", fmt.Errorf("date format %q ends with a lone %%", format)
		}
		i++
		switch d := format[i]; d {
		case '%':
			b.WriteByte('%')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'Y':
			b.WriteString(strconv.Itoa(t.Year()))
		case 'C':
			fmt.Fprintf(&b, "%02d", t.Year()/100)
		case 'y':
			fmt.Fprintf(&b, "%02d", t.Year()%100)
		case 'm':
			fmt.Fprintf(&b, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'e':
			fmt.Fprintf(&b, "%2d", t.Day())
		case 'j':
			fmt.Fprintf(&b, "%03d", t.YearDay())
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'I':
			h := t.Hour() % 12
			if h == 0 {
				h = 12
			}
			fmt.Fprintf(&b, "%02d", h)
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case 'p':
			if t.Hour() < 12 {
				b.WriteString("AM")
			} else {
				b.WriteString("PM")
			}
		case 'a':
			b.WriteString(weekdays[t.Weekday()][:3])
		case 'A':
			b.WriteString(weekdays[t.Weekday()])
		case 'b', 'h':
			b.WriteString(t.Month().String()[:3])
		case 'B':
			b.WriteString(t.Month().String())
		case 'u':
			wd := int(t.Weekday())
			if wd == 0 {
				wd = 7
			}
			b.WriteString(strconv.Itoa(wd))
		case 'w':
			b.WriteString(strconv.Itoa(int(t.Weekday())))
		case 'Z':
			b.WriteString("UTC")
		case 'z':
			b.WriteString("+0000")
		case 's':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		case 'F':
			fmt.Fprintf(&b, "%04d-%02d-%02d", t.Year(), int(t.Month()), t.Day())
		case 'T':
			fmt.Fprintf(&b, "%02d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
		case 'R':
			fmt.Fprintf(&b, "%02d:%02d", t.Hour(), t.Minute())
		case 'D':
			fmt.Fprintf(&b, "%02d/%02d/%02d", int(t.Month()), t.Day(), t.Year()%100)
		default:
			return "", fmt.Errorf("date format directive %%%c cannot be evaluated statically", d)
		}
	}
	return b.String(), nil
}
