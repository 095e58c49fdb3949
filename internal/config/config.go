package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

type Config struct {
	URL       string `name:"url" env:"URL" required:"" help:"Home path of the map page, e.g. /shademap."`
	Delimiter string `env:"DELIMITER" required:"" help:"Separator between the path and the location segment."`
	Port      int    `env:"PORT" required:"" help:"Listener port."`

	PublicDir string `env:"PUBLIC_DIR" default:"public" help:"Directory holding index.html, og-image.png and images/."`
	CacheType string `env:"CACHE" default:"file" enum:"file,disabled" help:"Snapshot cache backend."`

	LogLevel string `env:"LOG_LEVEL" default:"info" help:"debug, info, warn or error."`
	LogFile  string `env:"LOG_FILE" default:"log.txt" help:"Append-only log file; empty disables it."`

	RenderTimeout   time.Duration `env:"RENDER_TIMEOUT" default:"60s" help:"Upper bound for one gated render operation."`
	ViewportWidth   int           `env:"VIEWPORT_WIDTH" default:"1200"`
	ViewportHeight  int           `env:"VIEWPORT_HEIGHT" default:"630"`
	ChromePath      string        `env:"CHROME_PATH" help:"Chrome binary; autodetected when empty."`
	ShadeThreshold  float64       `env:"SHADE_THRESHOLD" default:"96" help:"Pixels darker than this luminance count as shade."`
	VipsConcurrency int           `env:"VIPS_CONCURRENCY" default:"1"`

	ListLimit     int    `env:"LIST_LIMIT" default:"20"`
	MapViewURL    string `env:"MAP_VIEW_URL" default:"https://shademap.app/#" help:"External map view, the raw location is appended."`
	AllowedOrigin string `env:"ALLOWED_ORIGIN"`

	MetricsExporter string `env:"METRICS_EXPORTER" default:"prometheus" enum:"prometheus,stdout,otlp,none"`
	TracesExporter  string `env:"TRACES_EXPORTER" default:"none" enum:"stdout,otlp,none"`

	WarmupLocations []string `env:"WARMUP_LOCATIONS" sep:";" help:"Locations rendered at startup."`
}

// Load reads .env (if present), then environment variables and args.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	parser, err := kong.New(cfg,
		kong.Name("shadesnap"),
		kong.Description("Serves cached shade map snapshots rendered on demand."),
	)
	if err != nil {
		return nil, err
	}
	if _, err := parser.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("no URL defined")
	}
	if !strings.HasPrefix(c.URL, "/") {
		return fmt.Errorf("URL must be a path starting with /, got %q", c.URL)
	}
	if c.Delimiter == "" {
		return errors.New("no DELIMITER defined")
	}
	// Parsing splits on the first delimiter, so it must not occur in the route prefixes.
	if strings.Contains(c.URL+"/loc", c.Delimiter) {
		return fmt.Errorf("DELIMITER %q must not occur in URL %q or its /loc route", c.Delimiter, c.URL)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.ListLimit <= 0 {
		return fmt.Errorf("invalid LIST_LIMIT %d", c.ListLimit)
	}
	return nil
}

// HomeURL is the address the renderer navigates to on startup.
func (c *Config) HomeURL() string {
	return fmt.Sprintf("http://localhost:%d%s", c.Port, c.URL)
}

func (c *Config) ImagesDir() string {
	return filepath.Join(c.PublicDir, "images")
}
