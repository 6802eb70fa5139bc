package logging

import "time"

// Config holds the YAML-configurable logging knobs: where logs go, at what
// level, and whether they rotate.
type Config struct {
	Level      string      `yaml:"level" json:"level"`
	Format     string      `yaml:"format" json:"format"`
	Output     string      `yaml:"output" json:"output"`
	FileConfig *FileConfig `yaml:"file" json:"file"`
	Rotate     *RotateConfig `yaml:"rotate" json:"rotate"`
}

type FileConfig struct {
	Dir      string `yaml:"dir" json:"dir"`
	Filename string `yaml:"filename" json:"filename"`
}

type RotateConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	MaxAge  time.Duration `yaml:"max_age" json:"max_age"`
}

func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}
