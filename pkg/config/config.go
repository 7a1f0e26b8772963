// Package config provides a reusable loader for Anvil configuration files
// and environment variables. Every protocol constant has a default matching
// the network-wide values; deployments override them via `anvil.yaml` or
// `ANVIL_*` environment variables.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/AnonMoon64/Anvil/pkg/utils"
)

// Config represents the unified configuration for an Anvil node. It mirrors
// the structure of the YAML file discovered by Load.
type Config struct {
	Node struct {
		Name    string `mapstructure:"name" json:"name"`
		DataDir string `mapstructure:"data_dir" json:"data_dir"`
	} `mapstructure:"node" json:"node"`

	Consensus struct {
		EpochDuration     time.Duration `mapstructure:"epoch_duration" json:"epoch_duration"`
		ViewChangeTimeout time.Duration `mapstructure:"view_change_timeout" json:"view_change_timeout"`
		QuorumFraction    float64       `mapstructure:"quorum_fraction" json:"quorum_fraction"`
		SlashAmount       uint64        `mapstructure:"slash_amount" json:"slash_amount"`
		EquivocationEpochs int          `mapstructure:"equivocation_epochs" json:"equivocation_epochs"`
	} `mapstructure:"consensus" json:"consensus"`

	Receipts struct {
		ChallengesPerEpoch int           `mapstructure:"challenges_per_epoch" json:"challenges_per_epoch"`
		ChallengeTimeout   time.Duration `mapstructure:"challenge_timeout" json:"challenge_timeout"`
		RewardPerEpoch     uint64        `mapstructure:"reward_per_epoch" json:"reward_per_epoch"`
		RampConstantDays   float64       `mapstructure:"ramp_constant_days" json:"ramp_constant_days"`
		DecayConstantDays  float64       `mapstructure:"decay_constant_days" json:"decay_constant_days"`
	} `mapstructure:"receipts" json:"receipts"`

	Mesh struct {
		GossipInterval   time.Duration `mapstructure:"gossip_interval" json:"gossip_interval"`
		HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
		RequestTimeout   time.Duration `mapstructure:"request_timeout" json:"request_timeout"`
		ChainFetchProb   float64       `mapstructure:"chain_fetch_prob" json:"chain_fetch_prob"`
	} `mapstructure:"mesh" json:"mesh"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.data_dir", "./data")

	v.SetDefault("consensus.epoch_duration", 10*time.Second)
	v.SetDefault("consensus.view_change_timeout", 8*time.Second)
	v.SetDefault("consensus.quorum_fraction", 2.0/3.0)
	v.SetDefault("consensus.slash_amount", uint64(500))
	v.SetDefault("consensus.equivocation_epochs", 10)

	v.SetDefault("receipts.challenges_per_epoch", 2)
	v.SetDefault("receipts.challenge_timeout", 4*time.Second)
	v.SetDefault("receipts.reward_per_epoch", uint64(100))
	v.SetDefault("receipts.ramp_constant_days", 40.0)
	v.SetDefault("receipts.decay_constant_days", 7.0)

	v.SetDefault("mesh.gossip_interval", 3*time.Second)
	v.SetDefault("mesh.heartbeat_timeout", 60*time.Second)
	v.SetDefault("mesh.request_timeout", 10*time.Second)
	v.SetDefault("mesh.chain_fetch_prob", 0.1)

	v.SetDefault("logging.level", "info")
}

// Load reads `anvil.yaml` from the working directory or an explicit path and
// merges ANVIL_* environment overrides on top of the built-in defaults. With
// no explicit path a missing config file is not an error and the defaults
// stand; a file at an explicit path that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("anvil")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, utils.Wrap(err, "load config")
		}
	}

	v.SetEnvPrefix("ANVIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the ANVIL_CONFIG environment variable
// as the file path, falling back to discovery in the working directory.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ANVIL_CONFIG", ""))
}
