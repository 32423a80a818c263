package extractor

import (
	"os"
	"strings"
	"time"
)

// cookieIndicators are cookie names whose presence distinguishes a real
// authenticated cookie export from an empty or unrelated file.
var cookieIndicators = []string{
	"youtube.com",
	"YSC",
	"VISITOR_INFO",
	"LOGIN_INFO",
	"SAPISID",
	"APISID",
	"SIDCC",
}

type (
	// CookieJar reports on the authentication cookie file provisioned for
	// the extraction engine. Provisioning itself (how the file gets there)
	// is an external concern; this type only observes it.
	CookieJar struct {
		path string
	}

	CookieStatus struct {
		Configured bool       `json:"configured"`
		Exists     bool       `json:"exists"`
		Valid      bool       `json:"valid"`
		Detail     string     `json:"detail"`
		Indicators int        `json:"indicators_found"`
		ModifiedAt *time.Time `json:"modified_at,omitempty"`
	}
)

func NewCookieJar(path string) *CookieJar {
	return &CookieJar{path: path}
}

func (jar *CookieJar) Path() string     { return jar.path }
func (jar *CookieJar) Configured() bool { return jar.path != "" }

func (jar *CookieJar) Exists() bool {
	if !jar.Configured() {
		return false
	}

	info, err := os.Stat(jar.path)
	return err == nil && !info.IsDir()
}

// Status inspects the cookie file and reports whether it looks like a
// usable authenticated export.
func (jar *CookieJar) Status() CookieStatus {
	if !jar.Configured() {
		return CookieStatus{Detail: "no cookie file configured; anonymous access only"}
	}

	info, err := os.Stat(jar.path)
	if err != nil {
		return CookieStatus{Configured: true, Detail: "configured cookie file does not exist"}
	}

	content, err := os.ReadFile(jar.path)
	if err != nil {
		modified := info.ModTime()
		return CookieStatus{Configured: true, Exists: true, Detail: "cookie file could not be read", ModifiedAt: &modified}
	}

	found := 0
	for _, indicator := range cookieIndicators {
		if strings.Contains(string(content), indicator) {
			found++
		}
	}

	modified := info.ModTime()
	status := CookieStatus{
		Configured: true,
		Exists:     true,
		Valid:      found > 0,
		Indicators: found,
		ModifiedAt: &modified,
	}
	if status.Valid {
		status.Detail = "cookie file contains authentication cookies"
	} else {
		status.Detail = "cookie file contains no recognised authentication cookies"
	}

	return status
}
