package config

import (
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DomainTable binds one cost domain to its raw input and intermediate
// daily tables. Table names are validated at load so a malformed entry
// fails at startup, not at first merge.
type DomainTable struct {
	Domain      string   `mapstructure:"domain"`
	SourceTable string   `mapstructure:"sourceTable"`
	DailyTable  string   `mapstructure:"dailyTable"`
	Providers   []string `mapstructure:"providers"`
}

type NormalizerConfig struct {
	Domains []DomainTable `mapstructure:"domains"`
}

func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		Domains: []DomainTable{
			{Domain: "cloud", SourceTable: "raw_cloud_billing", DailyTable: "daily_cloud_costs", Providers: []string{"aws", "gcp", "azure"}},
			{Domain: "ai_usage", SourceTable: "raw_ai_usage", DailyTable: "daily_ai_costs", Providers: []string{"openai", "anthropic"}},
			{Domain: "subscription", SourceTable: "subscription_objects", DailyTable: "daily_subscription_costs", Providers: []string{"internal"}},
		},
	}
}

type NormalizerConfigHolder struct {
	current atomic.Value // holds NormalizerConfig
}

func NewNormalizerConfigHolder() (*NormalizerConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("normalizer")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/ledgerline/config")
	v.AddConfigPath("/etc/ledgerline")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEDGERLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultNormalizerConfig()
		v.SetDefault("normalizer.domains", defaults.Domains)
	}

	var cfg NormalizerConfig
	if err := v.UnmarshalKey("normalizer", &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Domains) == 0 {
		cfg = DefaultNormalizerConfig()
	}
	if err := validateNormalizerConfig(cfg); err != nil {
		return nil, err
	}

	holder := &NormalizerConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated NormalizerConfig
		if err := v.UnmarshalKey("normalizer", &updated); err != nil {
			log.Printf("[normalizer-config] reload failed: %v", err)
			return
		}
		if err := validateNormalizerConfig(updated); err != nil {
			log.Printf("[normalizer-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[normalizer-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticNormalizerConfigHolder wraps a fixed config with no file
// watching. Used by tests and one-shot tooling.
func NewStaticNormalizerConfigHolder(cfg NormalizerConfig) (*NormalizerConfigHolder, error) {
	if err := validateNormalizerConfig(cfg); err != nil {
		return nil, err
	}
	holder := &NormalizerConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func (h *NormalizerConfigHolder) Get() NormalizerConfig {
	return h.current.Load().(NormalizerConfig)
}

// Table returns the table binding for a domain, or false when the
// domain is not configured.
func (c NormalizerConfig) Table(domain string) (DomainTable, bool) {
	for _, d := range c.Domains {
		if d.Domain == domain {
			return d, true
		}
	}
	return DomainTable{}, false
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var knownDomains = map[string]bool{
	"cloud":        true,
	"ai_usage":     true,
	"subscription": true,
}

func validateNormalizerConfig(cfg NormalizerConfig) error {
	if len(cfg.Domains) == 0 {
		return errors.New("normalizer.domains cannot be empty")
	}
	seen := map[string]bool{}
	for _, d := range cfg.Domains {
		if !knownDomains[d.Domain] {
			return fmt.Errorf("normalizer.domains: unknown domain %q", d.Domain)
		}
		if seen[d.Domain] {
			return fmt.Errorf("normalizer.domains: duplicate domain %q", d.Domain)
		}
		seen[d.Domain] = true
		if !identifierPattern.MatchString(d.SourceTable) {
			return fmt.Errorf("normalizer.domains[%s]: invalid source table %q", d.Domain, d.SourceTable)
		}
		if !identifierPattern.MatchString(d.DailyTable) {
			return fmt.Errorf("normalizer.domains[%s]: invalid daily table %q", d.Domain, d.DailyTable)
		}
		if len(d.Providers) == 0 {
			return fmt.Errorf("normalizer.domains[%s]: providers cannot be empty", d.Domain)
		}
	}
	return nil
}
