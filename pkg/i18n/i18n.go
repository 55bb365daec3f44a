// Package i18n localizes user-facing ledger messages. Catalogs are embedded
// JSON files keyed by dot-notation, with {param} placeholders.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"strings"
	"sync"
)

//go:embed messages/*.json
var messagesFS embed.FS

const (
	LocaleEnglish = "en"
	LocaleSpanish = "es"
	DefaultLocale = LocaleEnglish
)

var (
	loadOnce sync.Once
	// locale -> dotted key -> template
	catalogs map[string]map[string]string
)

func catalog(locale string) map[string]string {
	loadOnce.Do(func() {
		catalogs = map[string]map[string]string{}
		for _, loc := range []string{LocaleEnglish, LocaleSpanish} {
			raw, err := messagesFS.ReadFile("messages/" + loc + ".json")
			if err != nil {
				continue
			}
			var tree map[string]any
			if json.Unmarshal(raw, &tree) != nil {
				continue
			}
			flat := map[string]string{}
			flatten("", tree, flat)
			catalogs[loc] = flat
		}
	})
	return catalogs[locale]
}

func flatten(prefix string, tree map[string]any, out map[string]string) {
	for k, v := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch v := v.(type) {
		case string:
			out[key] = v
		case map[string]any:
			flatten(key, v, out)
		}
	}
}

func supported(locale string) bool {
	return locale == LocaleEnglish || locale == LocaleSpanish
}

// Localizer resolves message keys for one locale, falling back to English.
type Localizer struct {
	locale string
}

// NewLocalizer returns a localizer for locale. Unsupported locales get the
// default.
func NewLocalizer(locale string) *Localizer {
	if !supported(locale) {
		locale = DefaultLocale
	}
	return &Localizer{locale: locale}
}

func LocalizerFromContext(ctx context.Context) *Localizer {
	return NewLocalizer(GetLocaleFromContext(ctx))
}

func (l *Localizer) Locale() string { return l.locale }

// T renders key with {name} placeholders taken from params. Missing keys
// render as the key itself.
func (l *Localizer) T(key string, params ...map[string]string) string {
	tmpl, ok := catalog(l.locale)[key]
	if !ok {
		tmpl, ok = catalog(DefaultLocale)[key]
	}
	if !ok {
		return key
	}
	if len(params) == 0 || len(params[0]) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, 2*len(params[0]))
	for k, v := range params[0] {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

type localeKey struct{}

func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeKey{}, locale)
}

// GetLocaleFromContext returns the request locale, or the default.
func GetLocaleFromContext(ctx context.Context) string {
	if locale, _ := ctx.Value(localeKey{}).(string); locale != "" {
		return locale
	}
	return DefaultLocale
}

// ParseAcceptLanguage picks the first supported language of an
// Accept-Language header. Quality weights are ignored.
func ParseAcceptLanguage(header string) string {
	for _, part := range strings.Split(strings.ToLower(header), ",") {
		tag, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		base, _, _ := strings.Cut(tag, "-")
		if supported(base) {
			return base
		}
	}
	return DefaultLocale
}

// T translates in the default locale.
func T(key string, params ...map[string]string) string {
	return NewLocalizer(DefaultLocale).T(key, params...)
}

func TFromContext(ctx context.Context, key string, params ...map[string]string) string {
	return LocalizerFromContext(ctx).T(key, params...)
}
