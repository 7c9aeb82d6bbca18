package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

func isSafeAndParsed(ustr string) (*url.URL, error) {
	u, err := url.Parse(ustr)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "https" {
		return nil, fmt.Errorf("input url is not https")
	}

	if u.Hostname() == "" {
		return nil, fmt.Errorf("url hostname was empty")
	}

	if u.User != nil {
		return nil, fmt.Errorf("url user was not empty")
	}

	if u.Port() != "" {
		return nil, fmt.Errorf("url port was not empty")
	}

	return u, nil
}

// httpsOrigin returns scheme://host for a safe https url.
func httpsOrigin(ustr string) (string, error) {
	u, err := isSafeAndParsed(ustr)
	if err != nil {
		return "", err
	}

	return u.Scheme + "://" + strings.ToLower(u.Host), nil
}

func tokenInSet(tok string, set []string) bool {
	for _, s := range set {
		if s == tok {
			return true
		}
	}

	return false
}

func trimTrailingSlash(s string) string {
	return strings.TrimRight(s, "/")
}
