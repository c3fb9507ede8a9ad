package session

import (
	"net/http"
	"time"

	"github.com/gorilla/securecookie"

	"vitalis/cmd/security/token"
)

// Cookies writes and reads the signed session cookie.
type Cookies struct {
	name     string
	domain   string
	path     string
	secure   bool
	sameSite http.SameSite
	shortAge time.Duration
	longAge  time.Duration
	codec    *securecookie.SecureCookie
}

// NewCookies derives a signing key from cfg.Secret. Values are signed, not encrypted;
// the session token is already opaque.
func NewCookies(cfg Config) *Cookies {
	hashKey := []byte(token.CreateHMAC("vitalis.session.cookie", cfg.Secret))
	codec := securecookie.New(hashKey, nil)
	codec.MaxAge(int(cfg.RefreshDuration / time.Second))
	return &Cookies{
		name:     cfg.CookieName,
		domain:   cfg.CookieDomain,
		path:     cfg.CookiePath,
		secure:   cfg.CookieSecure,
		sameSite: cfg.CookieSameSite,
		shortAge: cfg.MaxDuration,
		longAge:  cfg.RefreshDuration,
		codec:    codec,
	}
}

// Name returns the cookie name.
func (c *Cookies) Name() string { return c.name }

// Set writes the cookie for a freshly issued sess. Remembered sessions
// outlive the browser for the refresh window; others last MaxDuration.
func (c *Cookies) Set(w http.ResponseWriter, sess Session) error {
	age := c.shortAge
	if sess.RememberMe {
		age = c.longAge
	}
	return c.write(w, sess.Token, age, sess.CreatedAt.Add(age))
}

// Extend re-issues the cookie carried by r so the browser keeps it until
// sess.ExpiresAt, after sliding expiration moved it. Remembered sessions
// already hold a cookie for the whole refresh window and are left alone.
func (c *Cookies) Extend(w http.ResponseWriter, r *http.Request, sess Session, now time.Time) error {
	if sess.RememberMe {
		return nil
	}
	tok, ok := c.Token(r)
	if !ok {
		return nil
	}
	ttl := sess.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	return c.write(w, tok, ttl, sess.ExpiresAt)
}

func (c *Cookies) write(w http.ResponseWriter, tok string, age time.Duration, expires time.Time) error {
	val, err := c.codec.Encode(c.name, tok)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    val,
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   int((age + time.Second - 1) / time.Second),
		Expires:  expires,
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
	return nil
}

// Clear expires the cookie on the client.
func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     c.path,
		Domain:   c.domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.secure,
		HttpOnly: true,
		SameSite: c.sameSite,
	})
}

// Token extracts the session token from r. Missing or tampered cookies report false.
func (c *Cookies) Token(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.name)
	if err != nil || ck.Value == "" {
		return "", false
	}
	var tok string
	if err := c.codec.Decode(c.name, ck.Value, &tok); err != nil {
		return "", false
	}
	return tok, tok != ""
}
