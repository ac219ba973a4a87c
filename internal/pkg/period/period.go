package period

import (
	"errors"
	"strings"
	"time"
)

const (
	Day   = "day"
	Week  = "week"
	Month = "month"
	Year  = "year"
)

var ErrUnknownPeriod = errors.New("unknown billing period type")

// End 计算计费周期结束时间，count <= 0 按 1 处理。
// 按月/年推进时若目标月份没有对应日期，取该月最后一天（1月31日 + 1个月 = 2月28/29日）。
func End(periodType string, count int, start time.Time) (time.Time, error) {
	if count <= 0 {
		count = 1
	}

	switch strings.ToLower(periodType) {
	case Day:
		return start.AddDate(0, 0, count), nil
	case Week:
		return start.AddDate(0, 0, 7*count), nil
	case Month:
		return addMonths(start, count), nil
	case Year:
		return addMonths(start, 12*count), nil
	default:
		return time.Time{}, ErrUnknownPeriod
	}
}

// Valid 是否为支持的周期类型
func Valid(periodType string) bool {
	switch strings.ToLower(periodType) {
	case Day, Week, Month, Year:
		return true
	}
	return false
}

func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	first := time.Date(year, month+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}

	return time.Date(first.Year(), first.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}
