package analysis

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config carries everything the Twelve Labs integration needs. Values come
// from flags or the TWELVE_LABS_* environment variables.
type Config struct {
	APIKey        string
	BaseURL       string
	RecordingsDir string
	CachePath     string
	DefaultPrompt string
	PollInterval  time.Duration
	GistTypes     []string
}

// ConfigFromEnv fills unset fields from the environment.
func ConfigFromEnv(cfg Config) Config {
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(os.Getenv("TWELVE_LABS_API_KEY"))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = strings.TrimSpace(os.Getenv("TWELVE_LABS_BASE_URL"))
	}
	if cfg.CachePath == "" {
		cfg.CachePath = os.Getenv("TWELVE_LABS_CACHE_PATH")
	}
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = os.Getenv("TWELVE_LABS_DEFAULT_PROMPT")
	}
	if cfg.PollInterval == 0 {
		if raw := strings.TrimSpace(os.Getenv("TWELVE_LABS_POLL_INTERVAL")); raw != "" {
			if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
				cfg.PollInterval = time.Duration(seconds) * time.Second
			}
		}
		if cfg.PollInterval == 0 {
			cfg.PollInterval = 5 * time.Second
		}
	}
	if len(cfg.GistTypes) == 0 {
		for _, item := range strings.Split(os.Getenv("TWELVE_LABS_GIST_TYPES"), ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				cfg.GistTypes = append(cfg.GistTypes, trimmed)
			}
		}
	}
	return cfg
}

// Factory builds the concrete SaaS client. Kept injectable so the provider
// can be exercised without network access.
type Factory func(Config) (Service, error)

// Provider owns the lazily initialized analysis service together with an
// explicit reason when it is unavailable. Initialization is retried on
// every Ensure call until it succeeds.
type Provider struct {
	mu      sync.Mutex
	cfg     Config
	factory Factory
	service Service
	reason  string
}

func NewProvider(cfg Config, factory Factory) *Provider {
	return &Provider{cfg: cfg, factory: factory}
}

// Ensure returns the service when configured, or the reason it is not.
func (p *Provider) Ensure() (Service, string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.service != nil {
		return p.service, ""
	}
	p.initLocked()
	return p.service, p.reason
}

// Reason returns the current unavailable reason without retrying.
func (p *Provider) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *Provider) initLocked() {
	if !p.prepareRecordingsDirLocked() {
		p.disableLocked("recordings_unavailable", "Twelve Labs analysis integration disabled: recordings directory missing")
		return
	}
	if strings.TrimSpace(p.cfg.APIKey) == "" {
		p.disableLocked("missing_api_key", "Twelve Labs analysis integration disabled: TWELVE_LABS_API_KEY not set")
		return
	}
	if p.factory == nil {
		p.disableLocked("integration_unavailable", "Twelve Labs analysis integration not available")
		return
	}

	cfg := p.cfg
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.RecordingsDir, "twelvelabs_analysis.json")
	}

	service, err := p.factory(cfg)
	if err != nil {
		log.Printf("Failed to initialise Twelve Labs analysis integration: %v", err)
		p.disableLocked("initialisation_failed", "Twelve Labs analysis integration disabled: initialisation failed")
		return
	}

	p.service = service
	p.reason = ""
	log.Printf("Twelve Labs analysis integration enabled (cache: %s)", cfg.CachePath)
}

func (p *Provider) prepareRecordingsDirLocked() bool {
	if p.cfg.RecordingsDir == "" {
		return false
	}
	if err := os.MkdirAll(p.cfg.RecordingsDir, 0o755); err != nil {
		log.Printf("Failed to create recordings directory at %s: %v", p.cfg.RecordingsDir, err)
		return false
	}
	info, err := os.Stat(p.cfg.RecordingsDir)
	return err == nil && info.IsDir()
}

func (p *Provider) disableLocked(reason, message string) {
	if p.reason != reason {
		log.Print(message)
	}
	p.service = nil
	p.reason = reason
}
