package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PortConfig is one listening endpoint's configuration, per spec.md §6
// "pools[].ports[port].difficulty".
type PortConfig struct {
	Difficulty float64 `yaml:"difficulty"`
}

// BanningConfig is the per-pool invalid-share banning threshold, per
// spec.md §6 "pools[].banning — thresholds for invalid-share banning."
type BanningConfig struct {
	Enabled          bool `yaml:"enabled"`
	MaxInvalidShares int  `yaml:"maxInvalidShares"`
}

// PoolConfig describes one coin/algorithm pool this process serves.
type PoolConfig struct {
	ID             string                `yaml:"id"`
	CoinName       string                `yaml:"coinName"`
	Algorithm      string                `yaml:"algorithm"`
	Ports          map[string]PortConfig `yaml:"ports"`
	Banning        BanningConfig         `yaml:"banning"`
	VersionRollingMask string            `yaml:"versionRollingMask"`
}

// AdminNotificationConfig gates the one-shot fallback notification, per
// spec.md §6 "clusterConfig.notifications.admin.{enabled,
// notifyPaymentSuccess}".
type AdminNotificationConfig struct {
	Enabled            bool `yaml:"enabled"`
	NotifyPaymentSuccess bool `yaml:"notifyPaymentSuccess"`
}

// NotificationsConfig wraps the admin notification gate.
type NotificationsConfig struct {
	Admin AdminNotificationConfig `yaml:"admin"`
}

// ClusterConfig is the process-wide configuration document, per
// spec.md §6's "Configuration options recognized" list.
type ClusterConfig struct {
	Banning struct {
		BanOnLoginFailure bool `yaml:"banOnLoginFailure"`
	} `yaml:"banning"`

	ShareStatisticRecoveryFile string `yaml:"shareStatisticRecoveryFile"`

	Notifications NotificationsConfig `yaml:"notifications"`

	LoginFailureBanTimeout time.Duration `yaml:"loginFailureBanTimeout"`
	MaxShareAge            time.Duration `yaml:"maxShareAge"`

	Pools []PoolConfig `yaml:"pools"`
}

// DefaultClusterConfig mirrors spec.md §6's stated defaults:
// banOnLoginFailure=true, recovery file "recovered-shares-statistic.txt".
func DefaultClusterConfig() ClusterConfig {
	cc := ClusterConfig{
		ShareStatisticRecoveryFile: "recovered-shares-statistic.txt",
		LoginFailureBanTimeout:     10 * time.Minute,
		MaxShareAge:                30 * time.Second,
	}
	cc.Banning.BanOnLoginFailure = true
	return cc
}

// LoadClusterConfig reads and parses the YAML cluster configuration file
// at path, overlaying it onto DefaultClusterConfig so an operator only
// needs to specify the fields that differ from the defaults.
//
// Grounded on the teacher's direct gopkg.in/yaml.v3 dependency (present
// in go.mod but unexercised in the copied Stratum-core subtree); the
// env-var helpers in env.go remain for bootstrap settings (listen
// addresses, database DSNs) that must be available before any config
// file has been located.
func LoadClusterConfig(path string) (ClusterConfig, error) {
	cc := DefaultClusterConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cc, fmt.Errorf("read cluster config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cc); err != nil {
		return cc, fmt.Errorf("parse cluster config %s: %w", path, err)
	}
	return cc, nil
}
