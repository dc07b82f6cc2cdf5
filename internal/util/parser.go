package util

import (
	"strings"

	"golang.org/x/net/html"
)

// ParseLinks finds href values within an HTML node tree that end with any of the suffixes.
// Matching is case-insensitive; an empty suffix list matches every link except "/".
func ParseLinks(n *html.Node, suffixes ...string) []string {
	var out []string
	var walk func(*html.Node)

	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "a" {
			for _, a := range nd.Attr {
				if a.Key != "href" {
					continue
				}
				if a.Val != "/" && !strings.HasSuffix(a.Val, "/") && hasAnySuffix(a.Val, suffixes) {
					out = append(out, a.Val)
				}
				break
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}

	walk(n)
	return out
}

func hasAnySuffix(s string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(s)
	for _, suffix := range suffixes {
		if strings.HasSuffix(lower, strings.ToLower(suffix)) {
			return true
		}
	}
	return false
}
