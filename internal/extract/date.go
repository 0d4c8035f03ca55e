package extract

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Japanese era names and single-letter abbreviations mapped to the Gregorian
// year of era year 1 minus one, so gregorian = offset + eraYear.
var eraOffsets = map[string]int{
	"令和": 2018,
	"平成": 1988,
	"昭和": 1925,
	"大正": 1911,
	"明治": 1867,
	"R":  2018,
	"H":  1988,
	"S":  1925,
}

var (
	kanjiEraDate = regexp.MustCompile(`^(令和|平成|昭和|大正|明治)\s*(元|\d{1,2})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日?$`)
	abbrEraDate  = regexp.MustCompile(`^([RHS])\s*(\d{1,2})\s*[./\-年]\s*(\d{1,2})\s*[./\-月]\s*(\d{1,2})\s*日?$`)
)

// dateLayouts cover the separator variants seen on receipts. Unpadded
// layouts also accept zero-padded components, so one layout per separator
// suffices; four-digit years are tried before two-digit ones.
var dateLayouts = []string{
	"2006-1-2",
	"2006/1/2",
	"2006.1.2",
	"2006年1月2日",
	"06-1-2",
	"06/1/2",
	"06.1.2",
	"1/2/2006",
}

// NormalizeDate converts a receipt date to canonical YYYY-MM-DD form. It
// accepts Japanese era dates (令和5年10月1日, R5.10.1), ISO-ish forms with
// -, / or . separators, two-digit years, and 年月日 notation. The second
// return value reports whether the input was recognized.
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}

	if m := kanjiEraDate.FindStringSubmatch(s); m != nil {
		return eraToISO(m[1], m[2], m[3], m[4])
	}
	if m := abbrEraDate.FindStringSubmatch(s); m != nil {
		return eraToISO(m[1], m[2], m[3], m[4])
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), true
		}
	}

	return "", false
}

func eraToISO(era, yearStr, monthStr, dayStr string) (string, bool) {
	offset, ok := eraOffsets[era]
	if !ok {
		return "", false
	}

	year := 1 // 元年
	if yearStr != "元" {
		var err error
		year, err = strconv.Atoi(yearStr)
		if err != nil || year < 1 {
			return "", false
		}
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil {
		return "", false
	}
	day, err := strconv.Atoi(dayStr)
	if err != nil {
		return "", false
	}

	// Round-trip through time.Date to reject impossible dates instead of
	// silently normalizing them.
	t := time.Date(offset+year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Year() != offset+year || t.Month() != time.Month(month) || t.Day() != day {
		return "", false
	}

	return fmt.Sprintf("%04d-%02d-%02d", offset+year, month, day), true
}
