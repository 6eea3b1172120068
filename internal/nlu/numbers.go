package nlu

import (
	"regexp"
	"strconv"
	"strings"
)

var cnNumerals = map[rune]int{
	'零': 0, '〇': 0, '○': 0,
	'一': 1, '二': 2, '兩': 2, '三': 3, '四': 4, '五': 5,
	'六': 6, '七': 7, '八': 8, '九': 9,
}

var (
	ballsArabicRe = regexp.MustCompile(`(\d+)\s*[顆球次]`)
	ballsCNRe     = regexp.MustCompile(`([零○〇一二兩三四五六七八九十]{1,3})\s*[顆球次]`)
	intervalRes   = []*regexp.Regexp{
		regexp.MustCompile(`每\s*(\d+(?:\.\d+)?)\s*秒`),
		regexp.MustCompile(`間隔\s*(\d+(?:\.\d+)?)\s*秒`),
		regexp.MustCompile(`(\d+(?:\.\d+)?)\s*秒`),
	}
	numberUnitRe = regexp.MustCompile(`(每)?\s*\d+(?:\.\d+)?\s*[顆秒球次]`)
	cnUnitRe     = regexp.MustCompile(`([零○〇一二兩三四五六七八九十]{1,3})\s*[顆球次]`)
)

var speedLabels = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`極限|極限快|極限速度|爆速`), "極限快"},
	{regexp.MustCompile(`超快|極快|很快|飛快|爆快`), "快"},
	{regexp.MustCompile(`正常|一般|普通|中等`), "正常"},
	{regexp.MustCompile(`超慢|很慢|慢速|慢`), "慢"},
}

// ExtractBalls returns the requested ball count, or 0 when the text does
// not carry one. Accepts arabic digits and Chinese numerals up to 三十九.
func ExtractBalls(text string) int {
	if m := ballsArabicRe.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := ballsCNRe.FindStringSubmatch(text); m != nil {
		return parseCNNumeral(m[1])
	}
	return 0
}

// ExtractIntervalSeconds returns the requested shot interval in seconds, or
// 0 when the text does not carry one.
func ExtractIntervalSeconds(text string) float64 {
	for _, re := range intervalRes {
		if m := re.FindStringSubmatch(text); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				return v
			}
		}
	}
	return 0
}

// ExtractSpeed maps colloquial speed phrases onto the standard labels.
func ExtractSpeed(text string) string {
	for _, s := range speedLabels {
		if s.re.MatchString(text) {
			return s.label
		}
	}
	return ""
}

// StripNumbers removes count/interval phrases so the remainder can be
// matched as a program name.
func StripNumbers(text string) string {
	t := numberUnitRe.ReplaceAllString(text, "")
	t = cnUnitRe.ReplaceAllString(t, "")
	t = strings.ReplaceAll(t, "間隔", "")
	return strings.TrimSpace(t)
}

func parseCNNumeral(token string) int {
	runes := []rune(strings.TrimSpace(token))
	switch len(runes) {
	case 0:
		return 0
	case 1:
		if runes[0] == '十' {
			return 10
		}
		return cnNumerals[runes[0]]
	case 2:
		if runes[1] == '十' {
			return cnNumerals[runes[0]] * 10
		}
		if runes[0] == '十' {
			return 10 + cnNumerals[runes[1]]
		}
	case 3:
		if runes[1] == '十' {
			return cnNumerals[runes[0]]*10 + cnNumerals[runes[2]]
		}
	}
	return 0
}
