package domain

import "strconv"

// unit sizes for seconds -> minutes -> hours -> days; days are not
// decomposed further.
var durationUnits = [...]int64{60, 60, 24}

// FormatDuration renders a second count as the shortest d:hh:mm:ss-style
// string: the most significant populated unit is unpadded, every unit
// below it is zero-padded to two digits. Negative input is clamped to 0.
//
//	FormatDuration(5)    == "5"
//	FormatDuration(65)   == "1:05"
//	FormatDuration(3661) == "1:01:01"
func FormatDuration(totalSeconds int64) string {
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	return formatUnits(totalSeconds, durationUnits[:])
}

func formatUnits(t int64, units []int64) string {
	if len(units) == 0 {
		return strconv.FormatInt(t, 10)
	}
	d := units[0]
	if t < d {
		return strconv.FormatInt(t, 10)
	}
	return formatUnits(t/d, units[1:]) + ":" + pad2(t%d)
}

func pad2(n int64) string {
	if n < 10 {
		return "0" + strconv.FormatInt(n, 10)
	}
	return strconv.FormatInt(n, 10)
}
