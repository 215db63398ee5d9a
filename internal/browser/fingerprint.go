package browser

import (
	"math/rand/v2"
)

// Fingerprint is the browser identity presented by one session. It is fixed when the
// session is created.
type Fingerprint struct {
	Width             int64   `json:"width"`
	Height            int64   `json:"height"`
	DeviceScaleFactor float64 `json:"device_scale_factor"`
	UserAgent         string  `json:"user_agent"`
	Locale            string  `json:"locale"`
	Timezone          string  `json:"timezone"`
}

type viewport struct {
	width, height int64
}

var (
	viewports = []viewport{
		{1280, 800}, {1366, 768}, {1440, 900}, {1536, 864}, {1600, 900}, {1920, 1080},
	}
	scaleFactors = []float64{1, 1, 1.25, 1.5, 2}
	userAgents   = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/138.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/137.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	}
	locales   = []string{"sv-SE", "sv-SE", "en-GB", "en-US"}
	timezones = []string{"Europe/Stockholm", "Europe/Stockholm", "Europe/Oslo", "Europe/Copenhagen"}
)

// RandomFingerprint draws a plausible desktop identity.
func RandomFingerprint() Fingerprint {
	vp := pick(viewports)
	return Fingerprint{
		Width:             vp.width,
		Height:            vp.height,
		DeviceScaleFactor: pick(scaleFactors),
		UserAgent:         pick(userAgents),
		Locale:            pick(locales),
		Timezone:          pick(timezones),
	}
}

// AcceptLanguage renders the Accept-Language header matching the locale.
func (f Fingerprint) AcceptLanguage() string {
	switch f.Locale {
	case "", "en-US":
		return "en-US,en;q=0.9"
	case "sv-SE":
		return "sv-SE,sv;q=0.9,en;q=0.8"
	default:
		return f.Locale + ",en;q=0.8"
	}
}

func pick[T any](items []T) T {
	return items[rand.IntN(len(items))] //nolint:gosec // identity variation, not security
}
