package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Voting    VotingConfig    `yaml:"voting"`
	Spanner   SpannerConfig   `yaml:"spanner"`
	PubSub    PubSubConfig    `yaml:"pubsub"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Redis     RedisConfig     `yaml:"redis"`
	PolicyAPI PolicyAPIConfig `yaml:"policy_api"`
	Committer CommitterConfig `yaml:"committer"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type VotingConfig struct {
	Thresholds    ThresholdsConfig     `yaml:"thresholds"`
	CriticalRules []CriticalRuleConfig `yaml:"critical_rules"`
}

type ThresholdsConfig struct {
	Ban         int64 `yaml:"ban"`
	LocalAllow  int64 `yaml:"local_allow"` // 0 disables the local-allow tier
	GlobalAllow int64 `yaml:"global_allow"`
}

// CriticalRuleConfig names a platform binary that must carry a standing
// global allow rule regardless of voting.
type CriticalRuleConfig struct {
	SHA256   string `yaml:"sha256"`
	Platform string `yaml:"platform"` // "macOS" or "Windows"
}

type SpannerConfig struct {
	Project  string `yaml:"project"`
	Instance string `yaml:"instance"`
	Database string `yaml:"database"`
}

type PubSubConfig struct {
	Project string `yaml:"project"`
	Topic   string `yaml:"topic"`
}

type TasksConfig struct {
	Project    string `yaml:"project"`
	Location   string `yaml:"location"`
	HandlerURL string `yaml:"handler_url"`
	MaxBacklog int    `yaml:"max_backlog"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PolicyAPIConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type CommitterConfig struct {
	LeaseTTLSeconds int `yaml:"lease_ttl_seconds"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
