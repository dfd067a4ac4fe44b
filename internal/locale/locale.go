// Package locale manages the persisted display locale preference.
// Requested locales are matched against the supported set, so the
// stored value is always one the interface can actually render.
package locale

import (
	"fmt"

	"golang.org/x/text/language"

	"github.com/element-hq/element-admin-sub000/internal/state"
)

// DefaultLocale is used until the user picks one.
var DefaultLocale = language.AmericanEnglish

// supported lists the locales the interface ships translations for.
// The first entry is the matcher's fallback.
var supported = []language.Tag{
	language.AmericanEnglish,
	language.German,
	language.French,
	language.Dutch,
	language.SimplifiedChinese,
}

var matcher = language.NewMatcher(supported)

type preferencesRecord struct {
	Locale string `json:"locale,omitempty"`
}

// Preferences reads and writes the preferences record.
type Preferences struct {
	records *state.Records
}

// NewPreferences returns Preferences backed by records.
func NewPreferences(records *state.Records) *Preferences {
	return &Preferences{records: records}
}

// Supported returns the locales the interface can render.
func Supported() []language.Tag {
	out := make([]language.Tag, len(supported))
	copy(out, supported)

	return out
}

// Match resolves a requested BCP 47 tag to the closest supported
// locale. Unparsable input is an error; a parsable but unsupported tag
// falls back through the matcher.
func Match(requested string) (language.Tag, error) {
	tag, err := language.Parse(requested)
	if err != nil {
		return language.Und, fmt.Errorf("parsing locale %q: %w", requested, err)
	}

	_, index, _ := matcher.Match(tag)

	return supported[index], nil
}

// Locale returns the persisted locale, or DefaultLocale when none is
// stored.
func (p *Preferences) Locale() (language.Tag, error) {
	var rec preferencesRecord

	found, err := p.records.Load(state.RecordPreferences, &rec)
	if err != nil {
		return language.Und, err
	}

	if !found || rec.Locale == "" {
		return DefaultLocale, nil
	}

	tag, err := language.Parse(rec.Locale)
	if err != nil {
		// A corrupt preference falls back instead of wedging the UI.
		return DefaultLocale, nil
	}

	return tag, nil
}

// SetLocale validates the requested locale and persists the matched
// supported tag, returning what was stored.
func (p *Preferences) SetLocale(requested string) (language.Tag, error) {
	tag, err := Match(requested)
	if err != nil {
		return language.Und, err
	}

	var rec preferencesRecord
	if _, err := p.records.Load(state.RecordPreferences, &rec); err != nil {
		return language.Und, err
	}

	rec.Locale = tag.String()

	if err := p.records.Save(state.RecordPreferences, rec); err != nil {
		return language.Und, err
	}

	return tag, nil
}
