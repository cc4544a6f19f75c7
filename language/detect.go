package language

import (
	"github.com/pemistahl/lingua-go"
)

// detectable is the subset of supported languages lingua can classify.
var detectable = map[lingua.Language]string{
	lingua.English:    English,
	lingua.Spanish:    Spanish,
	lingua.French:     French,
	lingua.German:     German,
	lingua.Italian:    Italian,
	lingua.Portuguese: Portuguese,
	lingua.Dutch:      Dutch,
	lingua.Polish:     Polish,
	lingua.Russian:    Russian,
	lingua.Japanese:   Japanese,
	lingua.Korean:     Korean,
	lingua.Chinese:    ChineseMandarin,
	lingua.Hindi:      Hindi,
	lingua.Bengali:    Bengali,
	lingua.Thai:       Thai,
	lingua.Vietnamese: Vietnamese,
	lingua.Indonesian: Indonesian,
	lingua.Tagalog:    Tagalog,
	lingua.Arabic:     Arabic,
	lingua.Turkish:    Turkish,
	lingua.Swedish:    Swedish,
	lingua.Bokmal:     Norwegian,
	lingua.Danish:     Danish,
	lingua.Finnish:    Finnish,
	lingua.Greek:      Greek,
	lingua.Hebrew:     Hebrew,
	lingua.Malay:      Malay,
	lingua.Ukrainian:  Ukrainian,
}

// Detector guesses the language of short utterance text. It is used to
// fill Message.OriginalLanguage when the sender profile does not carry
// a language.
type Detector struct {
	inner lingua.LanguageDetector
}

// NewDetector builds a detector over the detectable supported set.
// Construction loads language models and should be done once.
func NewDetector() *Detector {
	langs := make([]lingua.Language, 0, len(detectable))
	for l := range detectable {
		langs = append(langs, l)
	}
	return &Detector{
		inner: lingua.NewLanguageDetectorBuilder().
			FromLanguages(langs...).
			Build(),
	}
}

// Detect returns the supported language name for text, or ("", false)
// when the text is too ambiguous to classify.
func (d *Detector) Detect(text string) (string, bool) {
	if text == "" {
		return "", false
	}
	l, ok := d.inner.DetectLanguageOf(text)
	if !ok {
		return "", false
	}
	name, ok := detectable[l]
	return name, ok
}
