package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxIntroPointsLimit is the largest number of introduction points a v2
// hidden service descriptor may carry.
const MaxIntroPointsLimit = 10

var (
	// ErrNoServices is returned when the file lists no services.
	ErrNoServices = errors.New("no services configured")

	// ErrNoInstances is returned when a service lists no instances.
	ErrNoInstances = errors.New("no instances configured")

	// ErrInvalidAddress is returned for an instance address that is not a
	// v2 onion address.
	ErrInvalidAddress = errors.New("invalid onion address")

	// ErrInvalidAuth is returned for an instance credential that is not a
	// base64 encoded 16 byte descriptor cookie.
	ErrInvalidAuth = errors.New("invalid descriptor cookie")
)

// Config is the process-wide configuration. It is immutable after Load.
type Config struct {
	// RefreshInterval is the instance descriptor fetch cadence.
	RefreshInterval time.Duration
	// PublishCheckInterval is the cadence at which every service is asked
	// whether it needs publishing.
	PublishCheckInterval time.Duration
	// InitialDelay postpones the first publish check so the first round
	// of fetches has time to complete.
	InitialDelay time.Duration
	// MaxIntroPoints bounds the introduction points in a combined descriptor.
	MaxIntroPoints int
	// DescriptorUploadPeriod is how long a published descriptor is
	// considered current before it is republished.
	DescriptorUploadPeriod time.Duration
	// DescriptorOverlapPeriod is the window before a time-period rollover in
	// which descriptors for the next period are published as well.
	DescriptorOverlapPeriod time.Duration
	// RepublishMargin triggers a republish this long before the upload
	// period runs out.
	RepublishMargin time.Duration
	// InstanceDescriptorMaxAge is how long a fetched instance descriptor
	// stays usable after its publication time.
	InstanceDescriptorMaxAge time.Duration
	// FetchTimeout reclaims an outstanding fetch that never completed.
	FetchTimeout time.Duration
	// StatusListen is the address of the status HTTP endpoint; empty
	// disables it.
	StatusListen string

	Services []ServiceConfig
}

// ServiceConfig describes one load-balanced hidden service.
type ServiceConfig struct {
	// KeyPath locates the master private key. Relative paths are resolved
	// against the directory of the configuration file.
	KeyPath   string
	Instances []InstanceConfig
}

// InstanceConfig describes one backend instance of a service.
type InstanceConfig struct {
	// Address is the 16 character onion address without the ".onion" suffix.
	Address string
	// Auth is the optional base64 descriptor cookie of a client-authorized
	// instance.
	Auth string
}

// Defaults returns a Config holding the default tunables and no services.
func Defaults() Config {
	return Config{
		RefreshInterval:          10 * time.Minute,
		PublishCheckInterval:     6 * time.Minute,
		InitialDelay:             45 * time.Second,
		MaxIntroPoints:           MaxIntroPointsLimit,
		DescriptorUploadPeriod:   time.Hour,
		DescriptorOverlapPeriod:  time.Hour,
		RepublishMargin:          5 * time.Minute,
		InstanceDescriptorMaxAge: 4 * time.Hour,
		FetchTimeout:             5 * time.Minute,
	}
}

// yamlConfig is the root of the configuration file.
// yamlConfig uses pointers for tunables so an explicit zero is told apart
// from an unset key.
type yamlConfig struct {
	RefreshInterval          *int          `yaml:"REFRESH_INTERVAL"`
	PublishCheckInterval     *int          `yaml:"PUBLISH_CHECK_INTERVAL"`
	InitialDelay             *int          `yaml:"INITIAL_DELAY"`
	MaxIntroPoints           *int          `yaml:"MAX_INTRO_POINTS"`
	DescriptorUploadPeriod   *int          `yaml:"DESCRIPTOR_UPLOAD_PERIOD"`
	DescriptorOverlapPeriod  *int          `yaml:"DESCRIPTOR_OVERLAP_PERIOD"`
	RepublishMargin          *int          `yaml:"REPUBLISH_MARGIN"`
	InstanceDescriptorMaxAge *int          `yaml:"INSTANCE_DESCRIPTOR_MAX_AGE"`
	FetchTimeout             *int          `yaml:"FETCH_TIMEOUT"`
	StatusListen             string        `yaml:"STATUS_LISTEN"`
	Services                 []yamlService `yaml:"services"`
}

type yamlService struct {
	Key       string         `yaml:"key"`
	Instances []yamlInstance `yaml:"instances"`
}

type yamlInstance struct {
	Address string `yaml:"address"`
	Auth    string `yaml:"auth"`
}

// Load reads and validates the configuration file at path. Relative key
// paths are resolved against the directory holding the file.
//
// Parameters:
//   - path: YAML configuration file
//
// Returns:
//   - *Config: Validated configuration with defaults applied
//   - error: Read, YAML or validation failure
//
// Example:
//
//	cfg, err := config.Load("/etc/onionbalance/config.yaml")
//	if err != nil {
//	    return err
//	}
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", abs, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", abs, err)
	}
	dir := filepath.Dir(abs)
	for i := range cfg.Services {
		if !filepath.IsAbs(cfg.Services[i].KeyPath) {
			cfg.Services[i].KeyPath = filepath.Join(dir, cfg.Services[i].KeyPath)
		}
	}
	return cfg, nil
}

// Parse decodes and validates configuration file contents. Key paths are
// returned as written. Tunables left out keep their Defaults value; an
// explicit 0 is kept for INITIAL_DELAY, DESCRIPTOR_OVERLAP_PERIOD and
// REPUBLISH_MARGIN and rejected for the others.
func Parse(data []byte) (*Config, error) {
	var raw yamlConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	cfg := Defaults()
	tunables := []struct {
		name      string
		seconds   *int
		allowZero bool
		dst       *time.Duration
	}{
		{"REFRESH_INTERVAL", raw.RefreshInterval, false, &cfg.RefreshInterval},
		{"PUBLISH_CHECK_INTERVAL", raw.PublishCheckInterval, false, &cfg.PublishCheckInterval},
		{"INITIAL_DELAY", raw.InitialDelay, true, &cfg.InitialDelay},
		{"DESCRIPTOR_UPLOAD_PERIOD", raw.DescriptorUploadPeriod, false, &cfg.DescriptorUploadPeriod},
		{"DESCRIPTOR_OVERLAP_PERIOD", raw.DescriptorOverlapPeriod, true, &cfg.DescriptorOverlapPeriod},
		{"REPUBLISH_MARGIN", raw.RepublishMargin, true, &cfg.RepublishMargin},
		{"INSTANCE_DESCRIPTOR_MAX_AGE", raw.InstanceDescriptorMaxAge, false, &cfg.InstanceDescriptorMaxAge},
		{"FETCH_TIMEOUT", raw.FetchTimeout, false, &cfg.FetchTimeout},
	}
	for _, tun := range tunables {
		if tun.seconds == nil {
			continue
		}
		switch v := *tun.seconds; {
		case v < 0:
			return nil, fmt.Errorf("%s must not be negative, got %d", tun.name, v)
		case v == 0 && !tun.allowZero:
			return nil, fmt.Errorf("%s must be positive", tun.name)
		default:
			*tun.dst = time.Duration(v) * time.Second
		}
	}

	if raw.MaxIntroPoints != nil {
		n := *raw.MaxIntroPoints
		if n < 1 || n > MaxIntroPointsLimit {
			return nil, fmt.Errorf("MAX_INTRO_POINTS must be 1-%d, got %d", MaxIntroPointsLimit, n)
		}
		cfg.MaxIntroPoints = n
	}
	if cfg.RepublishMargin >= cfg.DescriptorUploadPeriod {
		return nil, fmt.Errorf("REPUBLISH_MARGIN (%s) must be shorter than DESCRIPTOR_UPLOAD_PERIOD (%s)",
			cfg.RepublishMargin, cfg.DescriptorUploadPeriod)
	}
	cfg.StatusListen = strings.TrimSpace(raw.StatusListen)

	if len(raw.Services) == 0 {
		return nil, ErrNoServices
	}
	for i, svc := range raw.Services {
		key := strings.TrimSpace(svc.Key)
		if key == "" {
			return nil, fmt.Errorf("service %d: key is required", i)
		}
		if len(svc.Instances) == 0 {
			return nil, fmt.Errorf("service %d (%s): %w", i, key, ErrNoInstances)
		}
		sc := ServiceConfig{KeyPath: key, Instances: make([]InstanceConfig, 0, len(svc.Instances))}
		for j, inst := range svc.Instances {
			addr, err := NormalizeAddress(inst.Address)
			if err != nil {
				return nil, fmt.Errorf("service %d (%s) instance %d: %w", i, key, j, err)
			}
			auth := strings.TrimSpace(inst.Auth)
			if auth != "" {
				if _, err := DecodeCookie(auth); err != nil {
					return nil, fmt.Errorf("service %d (%s) instance %s: %w", i, key, addr, err)
				}
			}
			sc.Instances = append(sc.Instances, InstanceConfig{Address: addr, Auth: auth})
		}
		cfg.Services = append(cfg.Services, sc)
	}
	return &cfg, nil
}

// NormalizeAddress lower-cases addr, strips an optional ".onion" suffix and
// checks that what remains is a 16 character base32 v2 onion address.
func NormalizeAddress(addr string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(addr))
	a = strings.TrimSuffix(a, ".onion")
	if len(a) != 16 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	for _, r := range a {
		if !(r >= 'a' && r <= 'z') && !(r >= '2' && r <= '7') {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
		}
	}
	return a, nil
}

// DecodeCookie decodes a base64 descriptor cookie, with or without padding.
func DecodeCookie(auth string) ([]byte, error) {
	s := strings.TrimRight(strings.TrimSpace(auth), "=")
	cookie, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAuth, err)
	}
	if len(cookie) != 16 {
		return nil, fmt.Errorf("%w: want 16 bytes, got %d", ErrInvalidAuth, len(cookie))
	}
	return cookie, nil
}
