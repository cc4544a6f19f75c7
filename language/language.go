// Package language maps the supported caption languages to speech
// recognition locales and handles detection fallback.
package language

import (
	"golang.org/x/text/language"
)

// Supported language display names. These are the values carried in
// user profiles and on the wire in Message.OriginalLanguage.
const (
	English          = "English"
	Spanish          = "Spanish"
	French           = "French"
	German           = "German"
	Italian          = "Italian"
	Portuguese       = "Portuguese"
	Dutch            = "Dutch"
	Polish           = "Polish"
	Russian          = "Russian"
	Japanese         = "Japanese"
	Korean           = "Korean"
	ChineseMandarin  = "Chinese (Mandarin)"
	ChineseCantonese = "Chinese (Cantonese)"
	Hindi            = "Hindi"
	Bengali          = "Bengali"
	Thai             = "Thai"
	Vietnamese       = "Vietnamese"
	Indonesian       = "Indonesian"
	Tagalog          = "Tagalog (Filipino)"
	Cebuano          = "Cebuano"
	Ilocano          = "Ilocano"
	Arabic           = "Arabic"
	Turkish          = "Turkish"
	Swedish          = "Swedish"
	Norwegian        = "Norwegian"
	Danish           = "Danish"
	Finnish          = "Finnish"
	Greek            = "Greek"
	Hebrew           = "Hebrew"
	Malay            = "Malay"
	Ukrainian        = "Ukrainian"
)

// DefaultLocale is used for languages with no recognition mapping.
const DefaultLocale = "en-US"

// recognitionLocales maps display names to BCP-47 recognition locales.
var recognitionLocales = map[string]string{
	English:          "en-US",
	Spanish:          "es-ES",
	French:           "fr-FR",
	German:           "de-DE",
	Italian:          "it-IT",
	Portuguese:       "pt-BR",
	Dutch:            "nl-NL",
	Polish:           "pl-PL",
	Russian:          "ru-RU",
	Japanese:         "ja-JP",
	Korean:           "ko-KR",
	ChineseMandarin:  "zh-CN",
	ChineseCantonese: "zh-HK",
	Hindi:            "hi-IN",
	Bengali:          "bn-IN",
	Thai:             "th-TH",
	Vietnamese:       "vi-VN",
	Indonesian:       "id-ID",
	Tagalog:          "fil-PH",
	Cebuano:          "ceb-PH",
	Ilocano:          "ilo-PH",
	Arabic:           "ar-SA",
	Turkish:          "tr-TR",
	Swedish:          "sv-SE",
	Norwegian:        "no-NO",
	Danish:           "da-DK",
	Finnish:          "fi-FI",
	Greek:            "el-GR",
	Hebrew:           "he-IL",
	Malay:            "ms-MY",
	Ukrainian:        "uk-UA",
}

// Supported returns the display names of all supported languages in a
// stable order.
func Supported() []string {
	return []string{
		English, Spanish, French, German, Italian, Portuguese, Dutch,
		Polish, Russian, Japanese, Korean, ChineseMandarin,
		ChineseCantonese, Hindi, Bengali, Thai, Vietnamese, Indonesian,
		Tagalog, Cebuano, Ilocano, Arabic, Turkish, Swedish, Norwegian,
		Danish, Finnish, Greek, Hebrew, Malay, Ukrainian,
	}
}

// IsSupported reports whether name is a supported language.
func IsSupported(name string) bool {
	_, ok := recognitionLocales[name]
	return ok
}

// RecognitionLocale returns the BCP-47 locale tag to configure speech
// recognition for the given language. Unmapped languages fall back to
// DefaultLocale.
func RecognitionLocale(name string) string {
	if tag, ok := recognitionLocales[name]; ok {
		return tag
	}
	return DefaultLocale
}

// matcher resolves arbitrary BCP-47 input against the supported set.
var (
	matcherTags  []language.Tag
	matcherNames []string
	matcher      language.Matcher
)

func init() {
	for _, name := range Supported() {
		tag, err := language.Parse(recognitionLocales[name])
		if err != nil {
			continue
		}
		matcherTags = append(matcherTags, tag)
		matcherNames = append(matcherNames, name)
	}
	matcher = language.NewMatcher(matcherTags)
}

// FromLocale resolves a BCP-47 locale tag (e.g. "en-GB", "pt") to the
// closest supported language name. Unparseable or unmatched tags
// resolve to English.
func FromLocale(locale string) string {
	tag, err := language.Parse(locale)
	if err != nil {
		return English
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return English
	}
	return matcherNames[idx]
}
