package utils

import "time"

// time.go - утилиты границ суток для ежедневного сброса счетчиков ключей.
//
// Дневные квоты провайдеров считаются по календарным суткам UTC:
// usage_today и failed_until сбрасываются в полночь UTC.

// GetDayStartFrom возвращает начало суток (00:00:00 UTC) для указанного времени
func GetDayStartFrom(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetDayStart возвращает начало текущих суток в UTC
func GetDayStart() time.Time {
	return GetDayStartFrom(time.Now().UTC())
}

// NextDailyReset возвращает момент следующего ежедневного сброса
// (ближайшая полночь UTC после t)
func NextDailyReset(t time.Time) time.Time {
	return GetDayStartFrom(t).Add(24 * time.Hour)
}

// UntilDailyReset возвращает время до следующего сброса
func UntilDailyReset(t time.Time) time.Duration {
	return NextDailyReset(t).Sub(t.UTC())
}

// SameDay проверяет, приходятся ли два момента на одни сутки UTC
func SameDay(a, b time.Time) bool {
	return GetDayStartFrom(a).Equal(GetDayStartFrom(b))
}
