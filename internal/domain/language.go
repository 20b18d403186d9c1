package domain

import "strings"

type Language string

const (
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCPP        Language = "cpp"
)

// DefaultLanguage: язык новой комнаты, если в конфиге не указан.
const DefaultLanguage = LanguageJavaScript

var supportedLanguages = map[Language]struct{}{
	LanguageJavaScript: {},
	LanguagePython:     {},
	LanguageJava:       {},
	LanguageCPP:        {},
}

func ParseLanguage(s string) (Language, error) {
	l := Language(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case "c++":
		l = LanguageCPP
	case "js":
		l = LanguageJavaScript
	}
	if !l.Valid() {
		return "", ErrUnsupportedLanguage
	}
	return l, nil
}

func (l Language) Valid() bool {
	_, ok := supportedLanguages[l]
	return ok
}
