package meeting

import "unicode"

// Supported reply locales.
const (
	LangEN = "en"
	LangKO = "ko"
	LangJA = "ja"
	LangZH = "zh"
)

// DetectLanguage infers the reply language from script ratios over the
// letters in text: Hangul above 15% reads as Korean, kana above 15% as
// Japanese, Han above 30% as Chinese. Anything else falls back to
// English. Kana is checked before Han so mixed Japanese text does not
// classify as Chinese.
func DetectLanguage(text string) string {
	var hangul, kana, han, letters int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Hiragana, r), unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Han, r):
			han++
		}
	}
	if letters == 0 {
		return LangEN
	}
	total := float64(letters)
	switch {
	case float64(hangul)/total > 0.15:
		return LangKO
	case float64(kana)/total > 0.15:
		return LangJA
	case float64(han)/total > 0.30:
		return LangZH
	default:
		return LangEN
	}
}

// ResolveLanguage applies the persisted language setting when it names
// a concrete locale; "auto" (or anything unknown) detects from text.
func ResolveLanguage(setting, text string) string {
	switch setting {
	case LangEN, LangKO, LangJA, LangZH:
		return setting
	default:
		return DetectLanguage(text)
	}
}

// languageName spells the locale for prompt instructions.
func languageName(lang string) string {
	switch lang {
	case LangKO:
		return "Korean"
	case LangJA:
		return "Japanese"
	case LangZH:
		return "Chinese"
	default:
		return "English"
	}
}

// hasCJK reports whether any Hangul, kana or Han letter appears, which
// is how replies are judged to be in-locale for ko/ja/zh targets.
func hasCJK(text string) bool {
	for _, r := range text {
		if unicode.Is(unicode.Hangul, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Han, r) {
			return true
		}
	}
	return false
}
