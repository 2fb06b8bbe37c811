package swcache

import (
	"net/http"
	"net/url"
	"path"
	"strings"
)

// RequestInfo is what routing needs to know about a request.
type RequestInfo struct {
	Method      string
	URL         *url.URL // absolute
	Destination Destination
	Navigate    bool
}

// Route picks the fetch strategy for a request. The first matching rule wins:
// out of scope or non-GET, image, video, everything else.
func Route(scope *url.URL, ri RequestInfo) Strategy {
	if !sameOrigin(scope, ri.URL) || ri.Method != http.MethodGet {
		return StrategyPassthrough
	}
	switch ri.Destination {
	case DestinationImage:
		return StrategyCacheFirst
	case DestinationVideo:
		return StrategyNetworkFirst
	}
	return StrategyStaleWhileRevalidate
}

func sameOrigin(scope, u *url.URL) bool {
	if scope == nil || u == nil {
		return false
	}
	return strings.EqualFold(scope.Scheme, u.Scheme) && strings.EqualFold(scope.Host, u.Host)
}

var (
	imageExts = map[string]struct{}{
		".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".webp": {},
		".avif": {}, ".svg": {}, ".ico": {}, ".bmp": {},
	}
	videoExts = map[string]struct{}{
		".mp4": {}, ".webm": {}, ".ogv": {}, ".mov": {}, ".m4v": {},
	}
)

// Describe extracts RequestInfo from an inbound request. u is the absolute
// URL the request targets.
func Describe(r *http.Request, u *url.URL) RequestInfo {
	ri := RequestInfo{
		Method: r.Method,
		URL:    u,
	}

	dest := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest")))
	mode := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Mode")))

	// Without fetch metadata (old browsers, curl) guess from the extension.
	switch dest {
	case "":
		ri.Destination = destinationFromPath(u.Path)
	case "empty":
		ri.Destination = DestinationUnknown
	default:
		ri.Destination = Destination(dest)
	}

	switch {
	case mode != "":
		ri.Navigate = mode == "navigate"
	default:
		ri.Navigate = ri.Destination == DestinationDocument ||
			(ri.Destination == DestinationUnknown && strings.Contains(r.Header.Get("Accept"), "text/html"))
	}
	return ri
}

func destinationFromPath(p string) Destination {
	ext := strings.ToLower(path.Ext(p))
	if _, ok := imageExts[ext]; ok {
		return DestinationImage
	}
	if _, ok := videoExts[ext]; ok {
		return DestinationVideo
	}
	switch ext {
	case ".css":
		return DestinationStyle
	case ".js", ".mjs":
		return DestinationScript
	case ".webmanifest":
		return DestinationManifest
	}
	return DestinationUnknown
}
