package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/law-makers/harvest/internal/browser"
	"github.com/law-makers/harvest/internal/failure"
	"github.com/law-makers/harvest/internal/ratelimit"
)

// ErrLoginFormMissing is returned when no login field could be located.
var ErrLoginFormMissing = errors.New("login form not found")

// Gate is consulted before every interaction with the login page.
type Gate interface {
	AwaitClear(ctx context.Context, p browser.Page) error
}

// Credentials for the automated login. Empty credentials select the manual
// path, where the operator signs in through the browser window.
type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) present() bool { return c.Email != "" && c.Password != "" }

// Selectors locate the site's login affordances.
type Selectors struct {
	Status    browser.Locator
	SignIn    []browser.Locator
	Email     []browser.Locator
	Password  []browser.Locator
	Submit    []browser.Locator
	Ready     []browser.Locator
	GuestText []string
}

// DefaultSelectors match the submissions site.
func DefaultSelectors() Selectors {
	return Selectors{
		Status:    browser.CSS("button.status-bar__button"),
		SignIn:    browser.CSSList("#sign-in-btn"),
		Email:     browser.CSSList("#email", "[name='email']", "input[type='email']"),
		Password:  browser.CSSList("#password", "[name='password']", "input[type='password']"),
		Submit:    browser.CSSList("#signIn", "button#signIn", "button[type='submit']"),
		Ready:     browser.CSSList(".history-table--content"),
		GuestText: []string{"guest", "sign in"},
	}
}

// Authenticator makes sure the browser session is signed in.
type Authenticator struct {
	Credentials Credentials
	Selectors   Selectors
	Gate        Gate

	// Attempts bounds the automated logins before giving up.
	Attempts int
	// WaitTimeout bounds each wait for a login field or the signed-in page.
	WaitTimeout time.Duration
	// ManualPoll is how often the manual path re-checks the page.
	ManualPoll time.Duration
}

// NewAuthenticator returns an authenticator with default selectors.
func NewAuthenticator(creds Credentials, gate Gate) *Authenticator {
	return &Authenticator{
		Credentials: creds,
		Selectors:   DefaultSelectors(),
		Gate:        gate,
		Attempts:    2,
		WaitTimeout: 20 * time.Second,
		ManualPoll:  5 * time.Second,
	}
}

func (a *Authenticator) gate(ctx context.Context, p browser.Page) error {
	if a.Gate == nil {
		return nil
	}
	return a.Gate.AwaitClear(ctx, p)
}

// NeedsLogin inspects the status indicator. When the site shows none, the
// session is considered signed in only if the listing is visible.
func (a *Authenticator) NeedsLogin(ctx context.Context, p browser.Page) (bool, error) {
	el, ok, err := browser.FirstMatch(ctx, p, a.Selectors.Status)
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ok {
		text, err := p.ReadText(ctx, el)
		if err != nil {
			return false, err
		}
		text = strings.ToLower(strings.TrimSpace(text))
		for _, marker := range a.Selectors.GuestText {
			if strings.Contains(text, marker) {
				return true, nil
			}
		}
		return false, nil
	}
	if len(a.Selectors.Ready) == 0 {
		return false, nil
	}
	_, visible, err := browser.FirstVisible(ctx, p, a.Selectors.Ready...)
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	return !visible, nil
}

func (a *Authenticator) signedIn() browser.Condition {
	return func(ctx context.Context, p browser.Page) (bool, error) {
		needs, err := a.NeedsLogin(ctx, p)
		return !needs && err == nil, err
	}
}

// Ensure signs in if needed. With credentials it tries the login form up to
// Attempts times and fails with failure.ClassAuthentication. Without them it
// waits, with no deadline, for the operator to sign in.
func (a *Authenticator) Ensure(ctx context.Context, p browser.Page) error {
	if err := a.gate(ctx, p); err != nil {
		return err
	}
	needs, err := a.NeedsLogin(ctx, p)
	if err != nil {
		return err
	}
	if !needs {
		log.Debug().Msg("Session already authenticated")
		return nil
	}

	if !a.Credentials.present() {
		return a.awaitManual(ctx, p)
	}

	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		log.Info().Int("attempt", attempt).Msg("Attempting automated login")
		lastErr = a.login(ctx, p)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastErr == nil {
			lastErr = browser.WaitUntil(ctx, p, a.signedIn(), a.WaitTimeout)
			if lastErr == nil {
				log.Info().Msg("Login successful")
				return nil
			}
		}
		log.Warn().Err(lastErr).Int("attempt", attempt).Msg("Login attempt failed")
	}
	return failure.Authentication("login", lastErr).WithDetail("attempts", attempts)
}

func (a *Authenticator) awaitManual(ctx context.Context, p browser.Page) error {
	log.Warn().Msg("No login credentials supplied; sign in manually in the browser window")
	for {
		if err := ratelimit.Sleep(ctx, a.ManualPoll); err != nil {
			return err
		}
		if err := a.gate(ctx, p); err != nil {
			return err
		}
		needs, err := a.NeedsLogin(ctx, p)
		if err != nil && !failure.IsTransient(err) {
			return err
		}
		if err == nil && !needs {
			log.Info().Msg("Manual login detected, continuing")
			return nil
		}
	}
}

func (a *Authenticator) login(ctx context.Context, p browser.Page) error {
	if err := a.gate(ctx, p); err != nil {
		return err
	}
	if btn, ok, _ := browser.FirstVisible(ctx, p, a.Selectors.SignIn...); ok {
		if err := p.Click(ctx, btn); err != nil {
			log.Debug().Err(err).Msg("Sign-in button click failed")
		}
	} else {
		log.Debug().Msg("Sign-in button not found, looking for the form directly")
	}

	email, err := a.waitField(ctx, p, "email field", a.Selectors.Email)
	if err != nil {
		return err
	}
	password, err := a.waitField(ctx, p, "password field", a.Selectors.Password)
	if err != nil {
		return err
	}
	if err := p.SendKeys(ctx, email, a.Credentials.Email); err != nil {
		return err
	}
	if err := p.SendKeys(ctx, password, a.Credentials.Password); err != nil {
		return err
	}

	submit, err := a.waitField(ctx, p, "submit button", a.Selectors.Submit)
	if err != nil {
		return err
	}
	if err := a.gate(ctx, p); err != nil {
		return err
	}
	return p.Click(ctx, submit)
}

func (a *Authenticator) waitField(ctx context.Context, p browser.Page, what string, locs []browser.Locator) (browser.Element, error) {
	if err := browser.WaitUntil(ctx, p, browser.VisibleCond(locs...), a.WaitTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoginFormMissing, what, err)
	}
	el, ok, err := browser.FirstVisible(ctx, p, locs...)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", ErrLoginFormMissing, what)
	}
	return el, nil
}
