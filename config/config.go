package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const maxImagesPerListing = 10

type Config struct {
	Canonical CanonicalConfig
	Scheduler SchedulerConfig
	Scraper   ScraperConfig
	HTTP      HTTPConfig
	S3        S3Config
	Logging   LoggingConfig
	DBPath    string
	SitesDir  string
	Sites     map[string]*SiteConfig
}

type CanonicalConfig struct {
	Driver      string // "sqlite" or "postgres"
	SQLitePath  string
	DatabaseURL string
}

type SchedulerConfig struct {
	Cron           string
	Pages          int
	MirrorInterval time.Duration
}

type ScraperConfig struct {
	DelayMS     int
	Timeout     time.Duration
	ProxyURL    string
	PhoneReveal string // "off", "playwright" or "chromedp"
	Retries     int
}

type HTTPConfig struct {
	Addr string
}

type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

type LoggingConfig struct {
	Path     string
	MaxBytes int64
	Backups  int
}

type SiteConfig struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Handler       string `yaml:"handler"`
	BaseURL       string `yaml:"base_url"`
	Origin        string `yaml:"origin"`
	PageDelayMS   int    `yaml:"page_delay_ms"`
	DetailDelayMS int    `yaml:"detail_delay_ms"`
	MaxImages     int    `yaml:"max_images"`
	Pages         int    `yaml:"pages"`
	PhoneButton   string `yaml:"phone_button"`
	PhoneText     string `yaml:"phone_text"`
}

func (s *SiteConfig) PageDelay() time.Duration {
	return time.Duration(s.PageDelayMS) * time.Millisecond
}

func (s *SiteConfig) DetailDelay() time.Duration {
	return time.Duration(s.DetailDelayMS) * time.Millisecond
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Canonical: CanonicalConfig{
			Driver:      getEnv("CANONICAL_DB", "sqlite"),
			SQLitePath:  getEnv("CANONICAL_SQLITE_PATH", "estate.db"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
		},
		Scheduler: SchedulerConfig{
			Cron:           os.Getenv("SCRAPE_CRON"),
			Pages:          getEnvInt("SCRAPE_PAGES", 1),
			MirrorInterval: getEnvDuration("MIRROR_INTERVAL", 2*time.Minute),
		},
		Scraper: ScraperConfig{
			DelayMS:     getEnvInt("SCRAPE_DELAY_MS", 3000),
			Timeout:     getEnvDuration("HTTP_TIMEOUT", 20*time.Second),
			ProxyURL:    os.Getenv("PROXY_URL"),
			PhoneReveal: strings.ToLower(getEnv("PHONE_REVEAL", "off")),
			Retries:     getEnvInt("SCRAPE_RETRIES", 2),
		},
		HTTP: HTTPConfig{
			Addr: getEnv("HTTP_ADDR", ":8080"),
		},
		S3: S3Config{
			Bucket:          os.Getenv("S3_BUCKET"),
			Region:          getEnv("S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		},
		Logging: LoggingConfig{
			Path:     getEnv("LOG_PATH", "daemon.log"),
			MaxBytes: int64(getEnvInt("LOG_MAX_BYTES", 2*1024*1024)),
			Backups:  getEnvInt("LOG_BACKUPS", 1),
		},
		DBPath:   getEnv("DB_PATH", "scraper.db"),
		SitesDir: getEnv("SITES_DIR", "config/sites"),
		Sites:    make(map[string]*SiteConfig),
	}

	if err := cfg.loadSiteConfigs(); err != nil {
		return nil, err
	}
	if len(cfg.Sites) == 0 {
		cfg.Sites = DefaultSites()
	}
	for _, site := range cfg.Sites {
		site.applyDefaults(cfg.Scraper.DelayMS)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Canonical.Driver {
	case "sqlite":
	case "postgres":
		if c.Canonical.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CANONICAL_DB=postgres")
		}
	default:
		return fmt.Errorf("unknown CANONICAL_DB %q", c.Canonical.Driver)
	}

	switch c.Scraper.PhoneReveal {
	case "off", "playwright", "chromedp":
	default:
		return fmt.Errorf("unknown PHONE_REVEAL %q", c.Scraper.PhoneReveal)
	}

	for id, site := range c.Sites {
		if site.Handler == "" {
			return fmt.Errorf("site %s: handler is required", id)
		}
	}
	return nil
}

// SiteIDs returns configured site ids in a stable order.
func (c *Config) SiteIDs() []string {
	ids := make([]string, 0, len(c.Sites))
	for id := range c.Sites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Config) loadSiteConfigs() error {
	entries, err := os.ReadDir(c.SitesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}

		path := filepath.Join(c.SitesDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		var site SiteConfig
		if err := yaml.Unmarshal(data, &site); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		if site.ID == "" {
			return fmt.Errorf("parse %s: id is required", path)
		}

		c.Sites[site.ID] = &site
	}

	return nil
}

func (s *SiteConfig) applyDefaults(delayMS int) {
	if s.Name == "" {
		s.Name = s.ID
	}
	if s.PageDelayMS <= 0 {
		s.PageDelayMS = delayMS
	}
	if s.MaxImages <= 0 || s.MaxImages > maxImagesPerListing {
		s.MaxImages = maxImagesPerListing
	}
	if s.Pages <= 0 {
		s.Pages = 1
	}
}

// DefaultSites mirrors config/sites for deployments without the YAML directory.
func DefaultSites() map[string]*SiteConfig {
	return map[string]*SiteConfig{
		"olx": {
			ID:            "olx",
			Name:          "OLX.kz",
			Handler:       "olx",
			BaseURL:       "https://www.olx.kz/nedvizhimost/prodazha-kvartiry/petropavlovsk/?search%5Bfilter_enum_tipsobstvennosti%5D%5B0%5D=ot_hozyaina",
			Origin:        "https://www.olx.kz",
			PageDelayMS:   3000,
			DetailDelayMS: 1000,
			MaxImages:     maxImagesPerListing,
			Pages:         1,
			PhoneButton:   `button[data-testid="show-phone"]`,
			PhoneText:     `a[data-testid="contact-phone"]`,
		},
		"krisha": {
			ID:            "krisha",
			Name:          "Krisha.kz",
			Handler:       "krisha",
			BaseURL:       "https://krisha.kz/prodazha/kvartiry/petropavlovsk/?das[who]=1",
			Origin:        "https://krisha.kz",
			PageDelayMS:   3000,
			DetailDelayMS: 1000,
			MaxImages:     maxImagesPerListing,
			Pages:         1,
			PhoneButton:   "button.show-phones",
			PhoneText:     "div.offer__contacts-phones p",
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
