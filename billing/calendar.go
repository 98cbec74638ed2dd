package billing

import (
	"fmt"
	"time"
)

// =============================================================================
// DATE - Calendar day without time of day or location
// =============================================================================

// Date is a civil calendar day. Work dates are stored and compared as Dates;
// they only become instants when anchored in the configured location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func NewDate(year int, month time.Month, day int) Date {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

// DateOf returns the calendar day of t as observed in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return Date{Year: lt.Year(), Month: lt.Month(), Day: lt.Day()}
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidInput, s)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// In anchors the date at midnight in loc.
func (d Date) In(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) IsZero() bool { return d.Year == 0 && d.Month == 0 && d.Day == 0 }

func (d Date) Before(o Date) bool { return d.In(time.UTC).Before(o.In(time.UTC)) }
func (d Date) After(o Date) bool  { return d.In(time.UTC).After(o.In(time.UTC)) }
func (d Date) AddDays(n int) Date { return DateOf(d.In(time.UTC).AddDate(0, 0, n), time.UTC) }

// Bucket returns the pay bucket the day falls into.
func (d Date) Bucket() BucketLabel { return BucketFor(d.Day) }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// =============================================================================
// MONTH - The settlement window
// =============================================================================

type Month struct {
	Year  int
	Month time.Month
}

// MonthOf returns the calendar month containing t in loc.
func MonthOf(t time.Time, loc *time.Location) Month {
	d := DateOf(t, loc)
	return Month{Year: d.Year, Month: d.Month}
}

func (m Month) FirstDay() Date { return NewDate(m.Year, m.Month, 1) }

func (m Month) LastDay() Date {
	return DateOf(time.Date(m.Year, m.Month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1), time.UTC)
}

func (m Month) Contains(d Date) bool { return d.Year == m.Year && d.Month == m.Month }

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// =============================================================================
// PAY BUCKETS - Fixed four-way partition of a month
// =============================================================================

// BucketLabel is one of the literal strings "1-7", "8-15", "16-23", "24-31".
type BucketLabel string

const (
	Bucket1to7   BucketLabel = "1-7"
	Bucket8to15  BucketLabel = "8-15"
	Bucket16to23 BucketLabel = "16-23"
	Bucket24to31 BucketLabel = "24-31"
)

// BucketLabels lists the buckets in calendar order.
var BucketLabels = []BucketLabel{Bucket1to7, Bucket8to15, Bucket16to23, Bucket24to31}

// BucketFor maps a day of month onto its pay bucket.
func BucketFor(day int) BucketLabel {
	switch {
	case day <= 7:
		return Bucket1to7
	case day <= 15:
		return Bucket8to15
	case day <= 23:
		return Bucket16to23
	default:
		return Bucket24to31
	}
}

func (b BucketLabel) Valid() bool {
	for _, l := range BucketLabels {
		if b == l {
			return true
		}
	}
	return false
}

// LoadLocation resolves a configured zone name, treating "" as UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown time zone %q", ErrInvalidInput, name)
	}
	return loc, nil
}
