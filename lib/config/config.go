package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the server
type Config struct {
	// HTTP control plane
	Port int `envconfig:"PORT" default:"10001"`

	// Browser / DevTools
	BrowserBin       string `envconfig:"BROWSER_BIN" default:"/usr/bin/chromium"`
	BrowserUser      string `envconfig:"BROWSER_USER" default:"user"`
	BrowserLogPath   string `envconfig:"BROWSER_LOG_PATH" default:"/var/log/chromium/chromium.log"`
	DevToolsHost     string `envconfig:"DEVTOOLS_HOST" default:"127.0.0.1"`
	DevToolsPort     int    `envconfig:"DEVTOOLS_PORT" default:"9223"`
	ProxyPort        int    `envconfig:"DEVTOOLS_PROXY_PORT" default:"9222"`
	ProxyHost        string `envconfig:"DEVTOOLS_PROXY_HOST" default:"127.0.0.1"`
	ProfileDir       string `envconfig:"BROWSER_PROFILE_DIR" default:"/home/user/.config/chromium/Default"`
	LogCDPMessages   bool   `envconfig:"LOG_CDP_MESSAGES" default:"false"`
	RestartSentinel  string `envconfig:"BROWSER_RESTART_SENTINEL" default:""`

	// Extension pipeline
	PolicyDir     string `envconfig:"POLICY_DIR" default:"/etc/chromium/policies/managed"`
	ExtRepoDir    string `envconfig:"EXT_REPO_DIR" default:"/var/lib/extrepo"`
	ExtRepoBase   string `envconfig:"EXT_REPO_BASE_URL" default:"http://127.0.0.1:10001/extrepo"`
	KeystoreDir   string `envconfig:"EXT_KEYSTORE_DIR" default:"/var/lib/extkeys"`
	InstallWait   int    `envconfig:"EXT_INSTALL_WAIT_SECONDS" default:"20"`

	// Virtual inputs
	PathToFFmpeg     string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	VideoDevice      string `envconfig:"VIRTUAL_VIDEO_DEVICE" default:"/dev/video20"`
	AudioSink        string `envconfig:"VIRTUAL_AUDIO_SINK" default:"virtmic_sink"`
	MicrophoneSource string `envconfig:"VIRTUAL_MIC_SOURCE" default:"virtmic"`
	PipesDir         string `envconfig:"VIRTUAL_PIPES_DIR" default:"/tmp/virtual-inputs"`
	Width            int    `envconfig:"WIDTH" default:"1280"`
	Height           int    `envconfig:"HEIGHT" default:"720"`
	FrameRate        int    `envconfig:"FRAME_RATE" default:"30"`

	// fspipe
	FSPipeTarget     string `envconfig:"FSPIPE_TARGET_URL" default:""`
	FSPipeBroadcast  string `envconfig:"FSPIPE_BROADCAST_ADDR" default:"127.0.0.1:10100"`
	FSPipeQueueSize  int    `envconfig:"FSPIPE_QUEUE_SIZE" default:"1024"`

	// Scale-to-zero
	ScaleToZeroFile string `envconfig:"SCALE_TO_ZERO_FILE" default:""`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 {
		return fmt.Errorf("PORT must be greater than 0")
	}
	if config.DevToolsPort <= 0 || config.ProxyPort <= 0 {
		return fmt.Errorf("DEVTOOLS_PORT and DEVTOOLS_PROXY_PORT must be greater than 0")
	}
	if config.PathToFFmpeg == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	if config.Width <= 0 || config.Height <= 0 || config.FrameRate <= 0 {
		return fmt.Errorf("WIDTH, HEIGHT and FRAME_RATE must be greater than 0")
	}
	if config.PolicyDir == "" || config.ExtRepoDir == "" || config.KeystoreDir == "" {
		return fmt.Errorf("POLICY_DIR, EXT_REPO_DIR and EXT_KEYSTORE_DIR are required")
	}
	return nil
}

// DevToolsAuthority is the upstream host:port the browser listens on.
func (c *Config) DevToolsAuthority() string {
	return fmt.Sprintf("%s:%d", c.DevToolsHost, c.DevToolsPort)
}

// ProxyAuthority is the advertised host:port of the DevTools proxy.
func (c *Config) ProxyAuthority() string {
	return fmt.Sprintf("%s:%d", c.ProxyHost, c.ProxyPort)
}
