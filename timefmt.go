package pvml

import (
	"fmt"
	"strings"
	"time"
)

// TimeFormat names one of the timestamp dialects used by job order files
// and product filenames. The names mirror the format strings used in
// tasktable interface documents.
type TimeFormat string

const (
	TimeFormatISOMicro        TimeFormat = "YYYY-MM-DDThh:mm:ss.uuuuuu"
	TimeFormatISO             TimeFormat = "YYYY-MM-DDThh:mm:ss"
	TimeFormatCompactT        TimeFormat = "YYYYMMDDThhmmss"
	TimeFormatCompactMicro    TimeFormat = "YYYYMMDD_hhmmssuuuuuu"
	TimeFormatCompactMilli    TimeFormat = "YYYYMMDD_hhmmssuuu"
	TimeFormatCompactDotMilli TimeFormat = "YYYYMMDD_hhmmss.uuu"
	TimeFormatCompact         TimeFormat = "YYYYMMDD_hhmmss"
)

// ConfigFileTimeFormats are the formats accepted for timestamps in PVML
// configuration files.
var ConfigFileTimeFormats = []TimeFormat{TimeFormatISOMicro, TimeFormatISO}

// renderPattern substitutes a min/max time pattern (given in
// "YYYY-MM-DDThh:mm:ss.uuu" form) into the format, producing the literal
// text that represents MinTime or MaxTime in that format.
func (f TimeFormat) renderPattern(p string) string {
	if len(p) < 23 {
		return ""
	}
	s := string(f)
	s = strings.ReplaceAll(s, "YYYY", p[0:4])
	s = strings.ReplaceAll(s, "MM", p[5:7])
	s = strings.ReplaceAll(s, "DD", p[8:10])
	s = strings.ReplaceAll(s, "hh", p[11:13])
	s = strings.ReplaceAll(s, "mm", p[14:16])
	s = strings.ReplaceAll(s, "ss", p[17:19])
	s = strings.ReplaceAll(s, "uuu", p[20:23])
	return s
}

func (f TimeFormat) parse(value string) (time.Time, error) {
	switch f {
	case TimeFormatISOMicro:
		return time.Parse("2006-01-02T15:04:05.000000", value)
	case TimeFormatISO:
		return time.Parse("2006-01-02T15:04:05", value)
	case TimeFormatCompactT:
		return time.Parse("20060102T150405", value)
	case TimeFormatCompactMicro:
		if len(value) != 21 {
			return time.Time{}, fmt.Errorf("expected 21 characters")
		}
		return time.Parse("20060102_150405.000000", value[:15]+"."+value[15:])
	case TimeFormatCompactMilli:
		if len(value) != 18 {
			return time.Time{}, fmt.Errorf("expected 18 characters")
		}
		return time.Parse("20060102_150405.000", value[:15]+"."+value[15:])
	case TimeFormatCompactDotMilli:
		if len(value) != 19 {
			return time.Time{}, fmt.Errorf("expected 19 characters")
		}
		return time.Parse("20060102_150405.000", value)
	case TimeFormatCompact:
		if len(value) != 15 {
			return time.Time{}, fmt.Errorf("expected 15 characters")
		}
		return time.Parse("20060102_150405", value)
	}
	return time.Time{}, fmt.Errorf("unsupported datetime format '%s'", string(f))
}

// format renders t in the dialect. Formats with less than microsecond
// resolution round down by default and up when roundUp is set, which is
// what range end times need.
func (f TimeFormat) format(t time.Time, roundUp bool) string {
	switch f {
	case TimeFormatISOMicro:
		return t.Format("2006-01-02T15:04:05.000000")
	case TimeFormatISO:
		return t.Format("2006-01-02T15:04:05")
	case TimeFormatCompactT:
		return t.Format("20060102T150405")
	case TimeFormatCompactMicro:
		return t.Format("20060102_150405") + fmt.Sprintf("%06d", t.Nanosecond()/1e3)
	case TimeFormatCompactMilli:
		return roundMillis(t, roundUp).Format("20060102_150405") + fmt.Sprintf("%03d", roundMillis(t, roundUp).Nanosecond()/1e6)
	case TimeFormatCompactDotMilli:
		return roundMillis(t, roundUp).Format("20060102_150405.000")
	case TimeFormatCompact:
		return t.Format("20060102_150405")
	}
	// unreachable for validated configurations
	return t.Format("20060102_150405")
}

func roundMillis(t time.Time, roundUp bool) time.Time {
	ns := t.Nanosecond()
	ms := ns / 1e6
	if roundUp && ns%1e6 != 0 {
		ms++
	}
	return t.Add(time.Duration(ms*1e6-ns) * time.Nanosecond)
}

// ParseTimestamp parses value with any of the given formats, trying them in
// order. When min/max time patterns are configured, text matching a
// rendered pattern maps to the MinTime/MaxTime sentinels.
func (c *Config) ParseTimestamp(value string, formats ...TimeFormat) (time.Time, error) {
	for _, f := range formats {
		if c.VariantMinTimePattern != "" && value == f.renderPattern(c.VariantMinTimePattern) {
			return MinTime, nil
		}
		if c.VariantMaxTimePattern != "" && value == f.renderPattern(c.VariantMaxTimePattern) {
			return MaxTime, nil
		}
		if t, err := f.parse(value); err == nil {
			return t.UTC(), nil
		}
	}
	names := make([]string, len(formats))
	for i, f := range formats {
		names[i] = string(f)
	}
	return time.Time{}, Errorf("datetime value '%s' does not match format '%s'", value, strings.Join(names, "|"))
}

// FormatTimestamp renders t in the configured job order time format,
// rounding reduced resolution formats down.
func (c *Config) FormatTimestamp(t time.Time) string {
	return c.formatTimestamp(t, false)
}

// FormatTimestampRoundUp renders t like FormatTimestamp but rounds reduced
// resolution formats up. Used for the stop side of time ranges.
func (c *Config) FormatTimestampRoundUp(t time.Time) string {
	return c.formatTimestamp(t, true)
}

func (c *Config) formatTimestamp(t time.Time, roundUp bool) string {
	f := c.VariantJobOrderTimeFormat
	if c.VariantMinTimePattern != "" && t.Equal(MinTime) {
		return f.renderPattern(c.VariantMinTimePattern)
	}
	if c.VariantMaxTimePattern != "" && t.Equal(MaxTime) {
		return f.renderPattern(c.VariantMaxTimePattern)
	}
	return f.format(t, roundUp)
}
