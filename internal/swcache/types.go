package swcache

import "net/http"

// CacheEntry is a stored response. It is also the in-memory form of every
// response the manager hands back, including synthetic ones.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Strategy is the fetch policy chosen for a request.
type Strategy int

const (
	// StrategyPassthrough leaves the request to the network and never stores it.
	StrategyPassthrough Strategy = iota
	StrategyCacheFirst
	StrategyNetworkFirst
	StrategyStaleWhileRevalidate
)

func (s Strategy) String() string {
	switch s {
	case StrategyPassthrough:
		return "passthrough"
	case StrategyCacheFirst:
		return "cache-first"
	case StrategyNetworkFirst:
		return "network-first"
	case StrategyStaleWhileRevalidate:
		return "stale-while-revalidate"
	}
	return "unknown"
}

// Destination is the resource class of a request, as in Sec-Fetch-Dest.
type Destination string

const (
	DestinationUnknown  Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationVideo    Destination = "video"
	DestinationStyle    Destination = "style"
	DestinationScript   Destination = "script"
	DestinationManifest Destination = "manifest"
)

// Outcome values reported in the X-Swcache response header.
const (
	outcomeHit          = "hit"
	outcomeMiss         = "miss"
	outcomeStale        = "stale"
	outcomePlaceholder  = "placeholder"
	outcomeOffline      = "offline"
	outcomeUnavailable  = "unavailable"
	outcomeNetworkError = "network-error"
	outcomeBypass       = "bypass"
	outcomeNetwork      = "network"
	outcomeBadGateway   = "bad-gateway"
	outcomeForbidden    = "forbidden"
)
