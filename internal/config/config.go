package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	appdefaults "github.com/saker-ai/concierge/config"

	"github.com/saker-ai/concierge/internal/logger"
	"github.com/spf13/viper"
)

const envPrefix = "concierge"

// AssistantConfig locates the remote assistant backend.
type AssistantConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	VoicePath      string        `mapstructure:"voice_path" yaml:"voice_path"`
	ChatPath       string        `mapstructure:"chat_path" yaml:"chat_path"`
	Name           string        `mapstructure:"name" yaml:"name"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	WriteWait      time.Duration `mapstructure:"write_wait" yaml:"write_wait"`
	CloseGrace     time.Duration `mapstructure:"close_grace" yaml:"close_grace"`
}

// SuggestionConfig represents a suggestionConfig.
type SuggestionConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Customer string `mapstructure:"customer" yaml:"customer"`
}

// UserConfig represents a userConfig.
type UserConfig struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Email  string `mapstructure:"email" yaml:"email"`
	Avatar string `mapstructure:"avatar" yaml:"avatar"`
}

// VoiceConfig holds voice activity preferences and local audio device settings.
type VoiceConfig struct {
	Threshold       float64  `mapstructure:"threshold" yaml:"threshold"`
	Silence         int      `mapstructure:"silence" yaml:"silence"`
	Prefix          int      `mapstructure:"prefix" yaml:"prefix"`
	InputDevice     string   `mapstructure:"input_device" yaml:"input_device"`
	SampleRate      int      `mapstructure:"sample_rate" yaml:"sample_rate"`
	CaptureRate     int      `mapstructure:"capture_rate" yaml:"capture_rate"`
	CaptureCommand  []string `mapstructure:"capture_command" yaml:"capture_command"`
	PlaybackCommand []string `mapstructure:"playback_command" yaml:"playback_command"`
	FrameMS         int      `mapstructure:"frame_ms" yaml:"frame_ms"`
}

// CallConfig represents a callConfig.
type CallConfig struct {
	ScoreThreshold float64 `mapstructure:"score_threshold" yaml:"score_threshold"`
}

// StorageConfig represents a storageConfig.
type StorageConfig struct {
	HistoryDir string `mapstructure:"history_dir" yaml:"history_dir"`
	ImageDir   string `mapstructure:"image_dir" yaml:"image_dir"`
}

// Config represents a config.
type Config struct {
	RootDir    string           `mapstructure:"-" yaml:"-"`
	HTTPAddr   string           `mapstructure:"http_addr" yaml:"http_addr"`
	Assistant  AssistantConfig  `mapstructure:"assistant" yaml:"assistant"`
	Suggestion SuggestionConfig `mapstructure:"suggestion" yaml:"suggestion"`
	User       UserConfig       `mapstructure:"user" yaml:"user"`
	Voice      VoiceConfig      `mapstructure:"voice" yaml:"voice"`
	Call       CallConfig       `mapstructure:"call" yaml:"call"`
	Storage    StorageConfig    `mapstructure:"storage" yaml:"storage"`
	Log        logger.Config    `mapstructure:"log" yaml:"log"`
}

// VoiceURL returns the websocket address of the voice endpoint.
func (c Config) VoiceURL() (string, error) {
	return joinEndpoint(c.Assistant.Endpoint, c.Assistant.VoicePath)
}

// ChatURL returns the websocket address of the chat endpoint.
func (c Config) ChatURL() (string, error) {
	return joinEndpoint(c.Assistant.Endpoint, c.Assistant.ChatPath)
}

// FrameDuration returns the capture frame length.
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.Voice.FrameMS) * time.Millisecond
}

// Load executes the load function.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}
	return decode(v, rootDir)
}

// LoadConfig executes the loadConfig function.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("CONCIERGE_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
		if filepath.Base(rootDir) == "config" {
			rootDir = filepath.Dir(rootDir)
		}
	}

	v, err := newViper()
	if err != nil {
		return Config{}, err
	}
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}
	return decode(v, rootDir)
}

func newViper() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(appdefaults.Default)); err != nil {
		return nil, fmt.Errorf("load embedded config: %w", err)
	}

	v.SetDefault("assistant.name", "Wiry")
	v.SetDefault("voice.sample_rate", 24000)
	v.SetDefault("voice.frame_ms", 20)
	v.SetDefault("call.score_threshold", 5)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.stdout", true)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func decode(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.RootDir = rootDir
	derivePaths(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if _, err := cfg.VoiceURL(); err != nil {
		return err
	}
	if cfg.Voice.SampleRate <= 0 {
		return fmt.Errorf("voice.sample_rate must be positive, got %d", cfg.Voice.SampleRate)
	}
	if cfg.Voice.Threshold < 0 || cfg.Voice.Threshold > 1 {
		return fmt.Errorf("voice.threshold must be within [0,1], got %v", cfg.Voice.Threshold)
	}
	return nil
}

func joinEndpoint(endpoint, path string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse assistant endpoint: %w", err)
	}
	switch base.Scheme {
	case "ws", "wss":
	default:
		return "", fmt.Errorf("assistant endpoint %q: scheme must be ws or wss", endpoint)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/" + strings.TrimLeft(path, "/")
	return base.String(), nil
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("CONCIERGE_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func derivePaths(cfg *Config) {
	cfg.Storage.HistoryDir = resolvePath(cfg.RootDir, cfg.Storage.HistoryDir, filepath.Join("data", "history"))
	cfg.Storage.ImageDir = resolvePath(cfg.RootDir, cfg.Storage.ImageDir, filepath.Join("data", "images"))
	if cfg.Log.File.Enabled {
		cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path, filepath.Join("data", "logs"))
	}
}

func resolvePath(rootDir string, configured string, fallback string) string {
	path := strings.TrimSpace(configured)
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
