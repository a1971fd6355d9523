package lifecycle

import (
	"fmt"
	"sync"

	"golang.org/x/text/language"

	"github.com/gyaneshwarpardhi/automation/internal/eventbus"
	"github.com/gyaneshwarpardhi/automation/internal/remotedata"
)

// ParseLocale parses a BCP 47 tag such as "en-US".
func ParseLocale(s string) (language.Tag, error) {
	tag, err := language.Parse(s)
	if err != nil {
		return language.Und, fmt.Errorf("parse locale %q: %w", s, err)
	}
	return tag, nil
}

// Device is the device state audiences, refresh decisions and deferred
// requests read.
type Device struct {
	monitor    *Monitor
	platform   string
	appVersion string
	sdkVersion string

	mu      sync.RWMutex
	locale  language.Tag
	optIn   bool
	locales *eventbus.Subject[language.Tag]
}

// NewDevice returns a device description backed by monitor.
func NewDevice(monitor *Monitor, platform, appVersion, sdkVersion string, locale language.Tag) *Device {
	return &Device{
		monitor:    monitor,
		platform:   platform,
		appVersion: appVersion,
		sdkVersion: sdkVersion,
		locale:     locale,
		locales:    eventbus.NewSubject[language.Tag](),
	}
}

func (d *Device) IsForeground() bool { return d.monitor.IsForeground() }
func (d *Device) Platform() string { return d.platform }
func (d *Device) AppVersion() string { return d.appVersion }
func (d *Device) SDKVersion() string { return d.sdkVersion }

// Locale returns the current locale.
func (d *Device) Locale() language.Tag {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.locale
}

// SetLocale changes the locale and notifies LocaleChanges observers.
func (d *Device) SetLocale(tag language.Tag) {
	d.mu.Lock()
	if d.locale == tag {
		d.mu.Unlock()
		return
	}
	d.locale = tag
	d.mu.Unlock()
	d.locales.Publish(tag)
}

// LocaleChanges emits every new locale.
func (d *Device) LocaleChanges() eventbus.Observable[language.Tag] {
	return d.locales.Observable()
}

// NotificationOptIn reports whether the user opted in to notifications.
func (d *Device) NotificationOptIn() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.optIn
}

// SetNotificationOptIn records the opt-in state.
func (d *Device) SetNotificationOptIn(v bool) {
	d.mu.Lock()
	d.optIn = v
	d.mu.Unlock()
}

// Metadata is the remote-data fetch metadata for the current state.
func (d *Device) Metadata() remotedata.Metadata {
	return remotedata.NewMetadata(d.Locale(), d.sdkVersion)
}

// LocaleParts splits the locale into language and country. Country is
// empty unless the tag names a region.
func (d *Device) LocaleParts() (lang, country string) {
	m := d.Metadata()
	return m[remotedata.MetadataLanguage], m[remotedata.MetadataCountry]
}

// Document is the device state audience expressions are evaluated against.
func (d *Device) Document() map[string]any {
	lang, country := d.LocaleParts()
	return map[string]any{
		"platform":            d.platform,
		"app_version":         d.appVersion,
		"sdk_version":         d.sdkVersion,
		"locale_language":     lang,
		"locale_country":      country,
		"notification_opt_in": d.NotificationOptIn(),
		"foreground":          d.IsForeground(),
	}
}
