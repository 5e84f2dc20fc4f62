package portal

import (
	"bytes"
	"fmt"
	"regexp"

	"golang.org/x/net/html"
)

const (
	loginFormID    = "login-form-1"
	loginTokenName = "csrf"
)

// The landing page embeds its page-bound token in an inline script, e.g.
// {"CSRF_TOKEN":"abc","AJAX_TOKEN":"def"}.
var freeTokenPattern = regexp.MustCompile(`"CSRF_TOKEN"\s*:\s*"([^"]+)"`)

// ExtractLoginToken returns the csrf input value of the login form.
func ExtractLoginToken(body []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: parse page: %v", ErrTokenNotFound, err)
	}

	form := findNode(doc, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "form" && attr(n, "id") == loginFormID
	})
	if form == nil {
		return "", fmt.Errorf("%w: no form #%s", ErrTokenNotFound, loginFormID)
	}

	input := findNode(form, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.Data == "input" && attr(n, "name") == loginTokenName
	})
	if input == nil {
		return "", fmt.Errorf("%w: no %q input in #%s", ErrTokenNotFound, loginTokenName, loginFormID)
	}
	value := attr(input, "value")
	if value == "" {
		return "", fmt.Errorf("%w: empty %q input in #%s", ErrTokenNotFound, loginTokenName, loginFormID)
	}
	return value, nil
}

// ExtractFreeToken returns the CSRF_TOKEN embedded in the page's inline JSON.
func ExtractFreeToken(body []byte) (string, error) {
	m := freeTokenPattern.FindSubmatch(body)
	if m == nil {
		return "", fmt.Errorf("%w: no CSRF_TOKEN in page", ErrTokenNotFound)
	}
	return string(m[1]), nil
}

func findNode(n *html.Node, match func(*html.Node) bool) *html.Node {
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findNode(c, match); found != nil {
			return found
		}
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
