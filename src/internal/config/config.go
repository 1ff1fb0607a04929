package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	fwerrors "github.com/maksimkurb/fwsync/src/internal/errors"
	"github.com/maksimkurb/fwsync/src/internal/log"
)

// CurrentConfigVersion is written by UpgradeConfig.
const CurrentConfigVersion = 2

const (
	TMPL_SET_NAME = "set_name"
	TMPL_PORTS    = "ports"

	// legacyTmplSetName was the set variable before config version 2.
	legacyTmplSetName = "ipset_name"
)

// Default returns a configuration with every field at its default.
func Default() *Config {
	return &Config{
		ConfigVersion: CurrentConfigVersion,
		General: GeneralConfig{
			Backend:               BackendIPSet,
			StateDir:              "/var/lib/fwsync",
			RulePrefix:            "fwsync_",
			LegacyRulePrefix:      "IPBan_",
			ProtectLocalAddresses: true,
			LogFormat:             "console",
			EnableIPv6:            true,
		},
		IPSet: IPSetConfig{
			Table:             "filter",
			Chain:             "INPUT",
			HashSize:          1024,
			BlockMaxElements:  2097152,
			RangeMaxElements:  4194304,
			AllowMaxElements:  65536,
			BlockRuleTemplate: "-m set --match-set {{set_name}} src {{ports}} -j DROP",
			AllowRuleTemplate: "-m set --match-set {{set_name}} src {{ports}} -j ACCEPT",
		},
		Chunked: ChunkedConfig{
			CapacityPerRule: 1000,
			Direction:       "in",
		},
		API: APIConfig{
			Listen: "127.0.0.1:8089",
		},
	}
}

func LoadConfig(configPath string) (*Config, error) {
	configFile := filepath.Clean(configPath)

	if !filepath.IsAbs(configFile) {
		path, err := filepath.Abs(configFile)
		if err != nil {
			return nil, fwerrors.NewConfigError("failed to get absolute path", err)
		}
		configFile = path
	}

	content, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			log.Errorf("Configuration file not found: %s", configFile)
			return nil, fwerrors.NewConfigError(fmt.Sprintf("configuration file not found: %s", configFile), err)
		}
		return nil, fwerrors.NewConfigError("failed to read config file", err)
	}

	config, err := ParseConfig(content)
	if err != nil {
		return nil, err
	}
	config._absConfigFilePath = configFile

	log.Debugf("Configuration file path: %s", configFile)
	log.Debugf("State directory: %s", config.GetAbsStateDir())

	return config, nil
}

// ParseConfig decodes content over the defaults.
func ParseConfig(content []byte) (*Config, error) {
	config := Default()
	// A file without config_version predates versioning.
	config.ConfigVersion = 0

	if err := toml.Unmarshal(content, config); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			log.Errorf("%s", derr.String())
			row, col := derr.Position()
			log.Errorf("Error at line %d, column %d", row, col)
			return nil, fwerrors.NewConfigError(fmt.Sprintf("failed to parse config file at line %d, column %d", row, col), err)
		}
		return nil, fwerrors.NewConfigError("failed to parse config file", err)
	}
	return config, nil
}

func (c *Config) SerializeConfig() (*bytes.Buffer, error) {
	buf := bytes.Buffer{}
	enc := toml.NewEncoder(&buf)
	enc.SetIndentTables(true)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (c *Config) WriteConfig() error {
	config, err := c.SerializeConfig()
	if err != nil {
		return err
	}
	return os.WriteFile(c._absConfigFilePath, config.Bytes(), 0644)
}

// UpgradeConfig rewrites settings of older config versions in place. It
// reports whether anything changed.
func (c *Config) UpgradeConfig() (bool, error) {
	upgraded := false

	for _, tmpl := range []*string{&c.IPSet.BlockRuleTemplate, &c.IPSet.AllowRuleTemplate} {
		old := "{{" + legacyTmplSetName + "}}"
		if strings.Contains(*tmpl, old) {
			*tmpl = strings.ReplaceAll(*tmpl, old, "{{"+TMPL_SET_NAME+"}}")
			log.Infof("Upgrading rule template variable {{%s}} to {{%s}}", legacyTmplSetName, TMPL_SET_NAME)
			upgraded = true
		}
	}

	if c.ConfigVersion < CurrentConfigVersion {
		log.Infof("Upgrading config version %d to %d", c.ConfigVersion, CurrentConfigVersion)
		c.ConfigVersion = CurrentConfigVersion
		upgraded = true
	}

	return upgraded, nil
}
