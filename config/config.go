package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Chat      ChatConfig      `mapstructure:"chat"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Status    StatusConfig    `mapstructure:"status"`
}

// ChatConfig holds chat platform configuration
type ChatConfig struct {
	Platform         string `mapstructure:"platform"`
	Token            string `mapstructure:"token"`
	TokenFile        string `mapstructure:"token_file"`
	AllowlistFile    string `mapstructure:"allowlist_file"`
	ClearCommand     string `mapstructure:"clear_command"`
	InterruptCommand string `mapstructure:"interrupt_command"`
	KeepMessages     bool   `mapstructure:"keep_messages"`
	SourceExt        string `mapstructure:"source_ext"`
	InlineFence      string `mapstructure:"inline_fence"`
	InlineFilename   string `mapstructure:"inline_filename"`
}

// MCPConfig holds configuration of the MCP chat transport
type MCPConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string      `mapstructure:"backend"`
	TimeoutSec         int         `mapstructure:"timeout_sec"`
	BuildTimeoutSec    int         `mapstructure:"build_timeout_sec"`
	NetworkEnabled     bool        `mapstructure:"network_enabled"`
	EnableLocalBackend bool        `mapstructure:"enable_local_backend"`
	ImagePrefix        string      `mapstructure:"image_prefix"`
	Dockerfile         string      `mapstructure:"dockerfile"`
	Local              LocalConfig `mapstructure:"local"`
}

// LocalConfig holds the commands of the local development backend
type LocalConfig struct {
	BuildCmd string `mapstructure:"build_cmd"`
	RunCmd   string `mapstructure:"run_cmd"`
}

// WorkspaceConfig holds the temp workspace configuration
type WorkspaceConfig struct {
	Root      string `mapstructure:"root"`
	KeepTemp  bool   `mapstructure:"keep_temp"`
	ClearTemp bool   `mapstructure:"clear_temp"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// StatusConfig holds the status HTTP endpoint configuration
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Platform names
const (
	PlatformDiscord = "discord"
	PlatformMCP     = "mcp"
)

// legacyArgs maps the bare-word switches to their flag form
var legacyArgs = map[string]string{
	"keeptemp":     "--keep-temp",
	"keepmessages": "--keep-messages",
	"cleartemp":    "--clear-temp",
}

// New loads the configuration from the process arguments
func New() (*Config, error) {
	return Load(os.Args[1:])
}

// Load loads and validates the application configuration. Besides regular
// flags, args may carry the bare words keeptemp, keepmessages, cleartemp
// and token=<value>.
func Load(args []string) (*Config, error) {
	flags := pflag.NewFlagSet("sandbot", pflag.ContinueOnError)
	configFile := flags.String("config", "", "path to the configuration file")
	flags.Bool("keep-temp", false, "keep job workspaces after the job ends")
	flags.Bool("keep-messages", false, "do not delete chat messages")
	flags.Bool("clear-temp", false, "delete all job workspaces and exit")
	flags.String("token", "", "chat platform token")

	if err := flags.Parse(normalizeArgs(args)); err != nil {
		return nil, fmt.Errorf("error parsing arguments: %w", err)
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	if *configFile != "" {
		v.SetConfigFile(*configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	setDefaults(v)

	v.SetEnvPrefix("SANDBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string]string{
		"workspace.keep_temp":  "keep-temp",
		"chat.keep_messages":   "keep-messages",
		"workspace.clear_temp": "clear-temp",
		"chat.token":           "token",
	}
	for key, name := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.resolveToken(); err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chat.platform", PlatformDiscord)
	v.SetDefault("chat.token", "")
	v.SetDefault("chat.token_file", "token")
	v.SetDefault("chat.allowlist_file", "channels.txt")
	v.SetDefault("chat.clear_command", "!clear")
	v.SetDefault("chat.interrupt_command", "!stop")
	v.SetDefault("chat.keep_messages", false)
	v.SetDefault("chat.source_ext", ".cs")
	v.SetDefault("chat.inline_fence", "```cs")
	v.SetDefault("chat.inline_filename", "Program.cs")

	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.http_port", 8080)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.build_timeout_sec", 300)
	v.SetDefault("sandbox.network_enabled", false)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.image_prefix", "sandbot-job")
	v.SetDefault("sandbox.dockerfile", "")
	v.SetDefault("sandbox.local.build_cmd", "dotnet build -o out")
	v.SetDefault("sandbox.local.run_cmd", "exec dotnet out/app.dll")

	v.SetDefault("workspace.root", ".cstemp")
	v.SetDefault("workspace.keep_temp", false)
	v.SetDefault("workspace.clear_temp", false)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.addr", "127.0.0.1:8081")
}

// normalizeArgs rewrites bare-word switches into flags pflag understands
func normalizeArgs(args []string) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if flag, ok := legacyArgs[strings.ToLower(arg)]; ok {
			out = append(out, flag)
			continue
		}
		if value, ok := strings.CutPrefix(arg, "token="); ok {
			out = append(out, "--token="+value)
			continue
		}
		out = append(out, arg)
	}
	return out
}

// loadDotEnv exports the variables of an optional .env file
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("error loading %s: %w", path, err)
	}
	return nil
}

// resolveToken falls back to the token file when no token was passed
func (c *Config) resolveToken() error {
	if c.Chat.Platform != PlatformDiscord || c.Workspace.ClearTemp {
		return nil
	}
	if c.Chat.Token == "" && c.Chat.TokenFile != "" {
		data, err := os.ReadFile(c.Chat.TokenFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("error reading token file: %w", err)
		}
		c.Chat.Token = strings.TrimSpace(string(data))
	}
	if c.Chat.Token == "" {
		return fmt.Errorf("a chat token must be provided with token=<value> or in %q", c.Chat.TokenFile)
	}
	return nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Chat.Platform != PlatformDiscord && c.Chat.Platform != PlatformMCP {
		return fmt.Errorf("invalid chat.platform: %s, must be 'discord' or 'mcp'", c.Chat.Platform)
	}

	if c.MCP.Transport != "stdio" && c.MCP.Transport != "http" {
		return fmt.Errorf("invalid mcp.transport: %s, must be 'stdio' or 'http'", c.MCP.Transport)
	}

	if !strings.HasPrefix(c.Chat.SourceExt, ".") {
		return fmt.Errorf("chat.source_ext must start with a dot, got: %q", c.Chat.SourceExt)
	}

	if c.Chat.InlineFilename == "" || strings.ContainsAny(c.Chat.InlineFilename, `/\`) {
		return fmt.Errorf("invalid chat.inline_filename: %q", c.Chat.InlineFilename)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.BuildTimeoutSec <= 0 {
		return fmt.Errorf("sandbox.build_timeout_sec must be positive, got: %d", c.Sandbox.BuildTimeoutSec)
	}

	if c.Sandbox.ImagePrefix == "" || strings.ToLower(c.Sandbox.ImagePrefix) != c.Sandbox.ImagePrefix {
		return fmt.Errorf("sandbox.image_prefix must be a non-empty lowercase name, got: %q", c.Sandbox.ImagePrefix)
	}

	supportedBackends := map[string]bool{
		"docker":     true,
		"podman":     true,
		"docker-api": true,
		"local":      c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root must not be empty")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
		"dpanic": true, "panic": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

// GetTimeout returns the execution deadline as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetBuildTimeout returns the build deadline as a duration
func (c *Config) GetBuildTimeout() time.Duration {
	return time.Duration(c.Sandbox.BuildTimeoutSec) * time.Second
}
