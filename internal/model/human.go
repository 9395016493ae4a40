// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// ISODuration is a time.Duration written as ISO8601 duration, like PT2H or P1DT30M.
type ISODuration time.Duration

func (d ISODuration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *ISODuration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := ParseISODuration(string(text))
	if err != nil {
		return err
	}
	*d = ISODuration(parsed)
	return nil
}

func (d ISODuration) MarshalText() ([]byte, error) {
	return []byte(FormatISODuration(time.Duration(d))), nil
}

func (d ISODuration) String() string {
	return FormatISODuration(time.Duration(d))
}

// FormatISODuration is an inverse to ParseISODuration for non negative
// durations. Sub-second precision is kept in the seconds part.
func FormatISODuration(d time.Duration) string {
	if d <= 0 {
		return "PT0S"
	}
	var sb strings.Builder
	sb.WriteByte('P')
	if days := d / (24 * time.Hour); days > 0 {
		sb.WriteString(strconv.FormatInt(int64(days), 10))
		sb.WriteByte('D')
		d -= days * 24 * time.Hour
	}
	if d == 0 {
		return sb.String()
	}
	sb.WriteByte('T')
	if h := d / time.Hour; h > 0 {
		sb.WriteString(strconv.FormatInt(int64(h), 10))
		sb.WriteByte('H')
		d -= h * time.Hour
	}
	if m := d / time.Minute; m > 0 {
		sb.WriteString(strconv.FormatInt(int64(m), 10))
		sb.WriteByte('M')
		d -= m * time.Minute
	}
	if d > 0 {
		sb.WriteString(strconv.FormatFloat(d.Seconds(), 'f', -1, 64))
		sb.WriteByte('S')
	}
	return sb.String()
}
