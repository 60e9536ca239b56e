package offline

import (
	"net/http"
	"regexp"
	"strings"
)

// Class selects the caching strategy for a request
type Class int

const (
	ClassOther Class = iota
	ClassDocument
	ClassAPI
	ClassStatic
)

func (c Class) String() string {
	switch c {
	case ClassDocument:
		return "document"
	case ClassAPI:
		return "api"
	case ClassStatic:
		return "static"
	default:
		return "other"
	}
}

var staticAssetPattern = regexp.MustCompile(`(?i)\.(js|css|png|jpg|jpeg|gif|svg|woff|woff2|ttf|eot|ico)$`)

// DefaultAPIPatterns match marketplace API calls by path or absolute URL
var DefaultAPIPatterns = []string{
	`^/api/`,
	`^https://api\.[^/]+/`,
}

// Classifier maps requests to resource classes. The table is fixed once built.
type Classifier struct {
	api []*regexp.Regexp
}

// NewClassifier compiles the API URL patterns
func NewClassifier(apiPatterns []string) (*Classifier, error) {
	c := &Classifier{}
	for _, p := range apiPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		c.api = append(c.api, re)
	}
	return c, nil
}

// Classify returns the resource class of req. Document detection comes first,
// then API patterns, then static asset extensions.
func (c *Classifier) Classify(req *http.Request) Class {
	if isNavigation(req) {
		return ClassDocument
	}
	full := req.URL.String()
	for _, re := range c.api {
		if re.MatchString(req.URL.Path) || re.MatchString(full) {
			return ClassAPI
		}
	}
	if staticAssetPattern.MatchString(req.URL.Path) {
		return ClassStatic
	}
	return ClassOther
}

func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" || req.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}
