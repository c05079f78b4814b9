package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "ehsynth"
	configFile string = "config.yml"
)

// Output modes.
const (
	// ModeEmbed adds .eh_frame and .rela.eh_frame to the object.
	ModeEmbed = "embed"
	// ModeSideFile writes the raw CIE/FDE stream next to the object.
	ModeSideFile = "sidefile"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Mode selects where the synthesized data goes, "embed" or "sidefile".
	Mode string `yaml:"mode"`

	// SideFileSuffix is appended to the object path to name the side file
	// when no explicit output path is given.
	SideFileSuffix string `yaml:"side-file-suffix"`

	// CheckBoundaries disassembles functions and warns about facts that do
	// not fall on an instruction boundary.
	CheckBoundaries bool `yaml:"check-boundaries"`

	// Log enables debug logging for the layers listed in LogOutput.
	Log       bool   `yaml:"log"`
	LogOutput string `yaml:"log-output"`
	LogDest   string `yaml:"log-dest"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Mode:           ModeEmbed,
		SideFileSuffix: ".eh_frame",
	}
}

// LoadConfig reads the configuration at file, or at the default location
// if file is empty. A missing file yields the defaults; keys absent from
// the file keep their default value.
func LoadConfig(file string) (*Config, error) {
	if file == "" {
		var err error
		file, err = GetConfigFilePath(configFile)
		if err != nil {
			return nil, err
		}
	}

	c := Default()
	data, err := ioutil.ReadFile(file)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}
		return nil, fmt.Errorf("unable to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", file, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return c, nil
}

// Validate checks the values that have a fixed set of choices.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeEmbed, ModeSideFile:
	default:
		return fmt.Errorf("unknown mode %q (want %q or %q)", c.Mode, ModeEmbed, ModeSideFile)
	}
	if c.SideFileSuffix == "" {
		return errors.New("side-file-suffix can not be empty")
	}
	return nil
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return path.Join(xdg, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, ".config", configDir, file), nil
}
