// Package persona sets the language and regional identity of a tab. The widget
// picks the audio challenge language from Accept-Language and the browser
// locale, so these must agree with the transcription language.
package persona

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// Persona describes the regional settings a tab reports. Empty fields keep the
// browser's own value.
type Persona struct {
	// UserAgent replaces the user agent verbatim. Empty keeps the browser's.
	UserAgent string
	Platform  string
	Languages []string
	Timezone  string
	Locale    string
}

// Default is US English.
var Default = Persona{
	Languages: []string{"en-US", "en"},
	Locale:    "en-US",
}

// Empty reports whether p would change nothing.
func (p Persona) Empty() bool {
	return p.UserAgent == "" && p.Platform == "" && AcceptLanguage(p.Languages) == "" &&
		p.Timezone == "" && p.Locale == ""
}

// Apply returns the actions that install p on the current tab. They must run
// before the first navigation to cover the widget frames.
func Apply(p Persona, logger *zap.Logger) chromedp.Tasks {
	logger.Debug("Applying tab persona",
		zap.Strings("languages", p.Languages),
		zap.String("locale", p.Locale),
		zap.String("timezone", p.Timezone),
	)

	var tasks chromedp.Tasks
	lang := AcceptLanguage(p.Languages)
	if p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent)
		if lang != "" {
			override = override.WithAcceptLanguage(lang)
		}
		if p.Platform != "" {
			override = override.WithPlatform(p.Platform)
		}
		tasks = append(tasks, override)
	}
	if p.Timezone != "" {
		tasks = append(tasks, emulation.SetTimezoneOverride(p.Timezone))
	}
	if p.Locale != "" {
		tasks = append(tasks, emulation.SetLocaleOverride().WithLocale(p.Locale))
	}
	if lang != "" {
		tasks = append(tasks, network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": lang}))
	}
	return tasks
}

// AcceptLanguage renders languages as an Accept-Language value with
// decreasing quality factors.
func AcceptLanguage(languages []string) string {
	var parts []string
	q := 10
	for _, l := range languages {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if len(parts) == 0 {
			parts = append(parts, l)
			continue
		}
		if q > 1 {
			q--
		}
		parts = append(parts, fmt.Sprintf("%s;q=0.%d", l, q))
	}
	return strings.Join(parts, ",")
}
