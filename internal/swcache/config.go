package swcache

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		// Path of the LevelDB directory. ":memory:" keeps everything in RAM.
		Path string `yaml:"path"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Server struct {
		Port int `yaml:"port"`
		// Scope is the site origin whose requests are intercepted.
		Scope string `yaml:"scope"`
		// Origin is the upstream the network fetches go to. Defaults to Scope.
		Origin string `yaml:"origin"`
		// PassthroughOrigins lists the other origins (scheme://host) requests
		// may be forwarded to untouched. Anything else outside Scope is refused.
		PassthroughOrigins []string `yaml:"passthroughOrigins"`
	} `yaml:"server"`

	Caches struct {
		Static CacheName `yaml:"static"`
		Media  CacheName `yaml:"media"`
	} `yaml:"caches"`

	Manifest struct {
		Static []string `yaml:"static"`
		Media  []string `yaml:"media"`
	} `yaml:"manifest"`

	Fallbacks struct {
		OfflinePage      string `yaml:"offlinePage"`
		PlaceholderImage string `yaml:"placeholderImage"`
	} `yaml:"fallbacks"`

	Network struct {
		Timeout           string `yaml:"timeout"`
		RevalidateTimeout string `yaml:"revalidateTimeout"`
		MaxBackground     int    `yaml:"maxBackground"`
		InstallParallel   int    `yaml:"installParallel"`

		timeoutDur    time.Duration
		revalidateDur time.Duration
	} `yaml:"network"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Discover struct {
		Sitemaps []string `yaml:"sitemaps"`
		Limit    int      `yaml:"limit"`
	} `yaml:"discover"`

	scope       *url.URL
	upstream    *url.URL
	passthrough map[string]struct{}
	ramMax      int64
}

// CacheName is a version-tagged namespace name.
type CacheName struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

func (c CacheName) String() string { return c.Name + "-" + c.Version }

var defaultStaticManifest = []string{
	"/",
	"/index.html",
	"/css/style.css",
	"/css/animations.css",
	"/css/responsive.css",
	"/css/video.css",
	"/js/main.js",
	"/js/animations.js",
	"/js/interactive.js",
	"/js/media-categories.js",
	"/js/gallery-loader.js",
	"/js/video-handler.js",
	"/js/sw-register.js",
	"/assets/favicon.ico",
	"/assets/icon-192x192.png",
	"/assets/icon-512x512.png",
	"/manifest.json",
}

var defaultMediaManifest = []string{
	"/assets/virtual-tour.mp4",
}

// DefaultConfig returns the configuration of the residency site. Scope is
// left empty and must be set by the caller.
func DefaultConfig() Config {
	var cfg Config
	cfg.Server.Port = 8080
	cfg.Storage.Path = "./data/leveldb"
	cfg.Storage.RAM.Max = "64mb"
	cfg.Caches.Static = CacheName{Name: "yasodha-residency", Version: "v1"}
	cfg.Caches.Media = CacheName{Name: "yasodha-residency-media", Version: "v1"}
	cfg.Manifest.Static = append([]string(nil), defaultStaticManifest...)
	cfg.Manifest.Media = append([]string(nil), defaultMediaManifest...)
	cfg.Fallbacks.OfflinePage = "/offline.html"
	cfg.Fallbacks.PlaceholderImage = "/assets/placeholder.jpg"
	cfg.Network.RevalidateTimeout = "30s"
	cfg.Network.MaxBackground = 32
	cfg.Network.InstallParallel = 8
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read config %s", path)
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML on top of DefaultConfig and validates the result.
func ParseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, errors.CodeInvalidConfig, "decode config")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	invalid := func(format string, args ...any) error {
		return errors.Newf(errors.CodeInvalidConfig, format, args...)
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Scope == "" {
		return invalid("server.scope is required")
	}
	scope, err := parseOrigin(cfg.Server.Scope)
	if err != nil {
		return invalid("server.scope: %v", err)
	}
	cfg.scope = scope
	cfg.upstream = scope
	if cfg.Server.Origin != "" {
		up, err := parseOrigin(cfg.Server.Origin)
		if err != nil {
			return invalid("server.origin: %v", err)
		}
		cfg.upstream = up
	}
	cfg.passthrough = make(map[string]struct{}, len(cfg.Server.PassthroughOrigins))
	for i, raw := range cfg.Server.PassthroughOrigins {
		o, err := parseOrigin(raw)
		if err != nil {
			return invalid("server.passthroughOrigins[%d]: %v", i, err)
		}
		cfg.passthrough[originKey(o)] = struct{}{}
	}

	for field, c := range map[string]CacheName{"caches.static": cfg.Caches.Static, "caches.media": cfg.Caches.Media} {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Version) == "" {
			return invalid("%s needs both name and version", field)
		}
	}
	if cfg.Caches.Static.String() == cfg.Caches.Media.String() {
		return invalid("static and media caches must have different names")
	}

	for i, p := range cfg.Manifest.Static {
		if !strings.HasPrefix(p, "/") {
			return invalid("manifest.static[%d]: %q is not an absolute path", i, p)
		}
	}
	for i, p := range cfg.Manifest.Media {
		if !strings.HasPrefix(p, "/") {
			return invalid("manifest.media[%d]: %q is not an absolute path", i, p)
		}
	}

	if cfg.Storage.RAM.Max == "" {
		cfg.ramMax = 0
	} else {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return invalid("storage.ram.max: %v", err)
		}
		cfg.ramMax = n
	}

	if cfg.Network.Timeout != "" {
		d, err := time.ParseDuration(cfg.Network.Timeout)
		if err != nil {
			return invalid("network.timeout: %v", err)
		}
		cfg.Network.timeoutDur = d
	}
	if cfg.Network.RevalidateTimeout != "" {
		d, err := time.ParseDuration(cfg.Network.RevalidateTimeout)
		if err != nil {
			return invalid("network.revalidateTimeout: %v", err)
		}
		cfg.Network.revalidateDur = d
	}
	if cfg.Network.MaxBackground <= 0 {
		cfg.Network.MaxBackground = 32
	}
	if cfg.Network.InstallParallel <= 0 {
		cfg.Network.InstallParallel = 8
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return invalid("logging.logStatsEvery: %v", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(raw), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host")
	}
	if u.Path != "" {
		return nil, fmt.Errorf("origin must not have a path, got %q", u.Path)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func originKey(u *url.URL) string {
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

// forwardable reports whether a request for u may go to the network: u is
// in scope or its origin is listed in server.passthroughOrigins.
func (cfg Config) forwardable(u *url.URL) bool {
	if sameOrigin(cfg.scope, u) {
		return true
	}
	_, ok := cfg.passthrough[originKey(u)]
	return ok
}

// Scope returns the intercepted site origin.
func (cfg Config) Scope() *url.URL {
	u := *cfg.scope
	return &u
}

// resolve turns a manifest path into an absolute in-scope URL.
func (cfg Config) resolve(path string) *url.URL {
	ref, err := url.Parse(path)
	if err != nil {
		return cfg.scope.JoinPath(path)
	}
	return cfg.scope.ResolveReference(ref)
}
