package conversation

import (
	"strings"
	"sync"

	"github.com/pemistahl/lingua-go"
)

var (
	detector     lingua.LanguageDetector
	detectorOnce sync.Once
)

// languages the detector chooses from; unlisted languages are left untagged
var languageCodes = map[lingua.Language]string{
	lingua.English:    "en",
	lingua.Persian:    "fa",
	lingua.Arabic:     "ar",
	lingua.Spanish:    "es",
	lingua.French:     "fr",
	lingua.German:     "de",
	lingua.Italian:    "it",
	lingua.Portuguese: "pt",
	lingua.Dutch:      "nl",
	lingua.Turkish:    "tr",
	lingua.Russian:    "ru",
	lingua.Ukrainian:  "uk",
	lingua.Polish:     "pl",
	lingua.Hindi:      "hi",
	lingua.Urdu:       "ur",
	lingua.Indonesian: "id",
	lingua.Chinese:    "zh",
	lingua.Japanese:   "ja",
	lingua.Korean:     "ko",
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		languages := make([]lingua.Language, 0, len(languageCodes))
		for language := range languageCodes {
			languages = append(languages, language)
		}
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(languages...).
			WithMinimumRelativeDistance(0.25).
			Build()
	})
	return detector
}

// DetectLanguage returns the ISO 639-1 code of text, or "" when the text is
// too short or ambiguous
func DetectLanguage(text string) string {
	text = strings.TrimSpace(text)
	if len(text) < 3 {
		return ""
	}
	language, ok := getDetector().DetectLanguageOf(text)
	if !ok {
		return ""
	}
	return languageCodes[language]
}
