package auth

import (
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
)

// CookieParams converts saved cookies into the form Chrome accepts before
// the first navigation.
func CookieParams(cookies []Cookie) []*network.CookieParam {
	out := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
			param.Expires = &expires
		}
		switch c.SameSite {
		case "Strict":
			param.SameSite = network.CookieSameSiteStrict
		case "Lax":
			param.SameSite = network.CookieSameSiteLax
		case "None":
			param.SameSite = network.CookieSameSiteNone
		}
		out = append(out, param)
	}
	return out
}

// FromBrowserCookies converts cookies read from Chrome and returns the latest
// expiry among them.
func FromBrowserCookies(cookies []*network.Cookie) ([]Cookie, time.Time) {
	out := make([]Cookie, 0, len(cookies))
	maxExpires := 0.0
	for _, c := range cookies {
		out = append(out, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
		if c.Expires > maxExpires {
			maxExpires = c.Expires
		}
	}
	var expires time.Time
	if maxExpires > 0 {
		expires = time.Unix(int64(maxExpires), 0)
	}
	return out, expires
}
