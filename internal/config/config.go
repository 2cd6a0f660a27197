package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/voicertc/internal/domain"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	RTC    RTCConfig    `mapstructure:"rtc"`
	Voice  VoiceConfig  `mapstructure:"voice"`
	Signal SignalConfig `mapstructure:"signal"`
	Client ClientConfig `mapstructure:"client"`
}

type ServerConfig struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	// InternalToken guards the routes meant for other backend services.
	// Empty disables them.
	InternalToken string `mapstructure:"internal_token"`
}

type RTCConfig struct {
	ListenIP       string        `mapstructure:"listen_ip"`
	AnnouncedIP    string        `mapstructure:"announced_ip"`
	UDPPort        int           `mapstructure:"udp_port"`
	TCPPort        int           `mapstructure:"tcp_port"`
	PortMin        uint16        `mapstructure:"port_min"`
	PortMax        uint16        `mapstructure:"port_max"`
	ICEServers     []string      `mapstructure:"ice_servers"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Loopback       bool          `mapstructure:"loopback"`
}

type VoiceConfig struct {
	GracePeriod         time.Duration                         `mapstructure:"grace_period"`
	StatsInterval       time.Duration                         `mapstructure:"stats_interval"`
	DestroyEmpty        bool                                  `mapstructure:"destroy_empty"`
	BackpressurePolicy  string                                `mapstructure:"backpressure_policy"`
	DefaultCapabilities domain.Capabilities                   `mapstructure:"default_capabilities"`
	UserCapabilities    map[domain.UserID]domain.Capabilities `mapstructure:"user_capabilities"`
}

type SignalConfig struct {
	RateLimit  float64 `mapstructure:"rate_limit"`
	RateBurst  int     `mapstructure:"rate_burst"`
	SendBuffer int     `mapstructure:"send_buffer"`
}

type ClientConfig struct {
	ServerURL   string            `mapstructure:"server_url"`
	Channel     string            `mapstructure:"channel"`
	Token       string            `mapstructure:"token"`
	Constraints ConstraintsConfig `mapstructure:"constraints"`
}

type ConstraintsConfig struct {
	Audio  AudioConstraints `mapstructure:"audio"`
	Video  VideoConstraints `mapstructure:"video"`
	Screen VideoConstraints `mapstructure:"screen"`
}

type AudioConstraints struct {
	SampleRate       int  `mapstructure:"sample_rate"`
	Channels         int  `mapstructure:"channels"`
	EchoCancellation bool `mapstructure:"echo_cancellation"`
	NoiseSuppression bool `mapstructure:"noise_suppression"`
	AutoGainControl  bool `mapstructure:"auto_gain_control"`
}

type VideoConstraints struct {
	Width     int `mapstructure:"width"`
	Height    int `mapstructure:"height"`
	FrameRate int `mapstructure:"frame_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_limit", 32768)
	v.SetDefault("server.ping_period", "54s")
	v.SetDefault("server.secret", "voice-dev-secret")
	v.SetDefault("server.internal_token", "")

	v.SetDefault("rtc.listen_ip", "0.0.0.0")
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.udp_port", 0)
	v.SetDefault("rtc.tcp_port", 0)
	v.SetDefault("rtc.port_min", 40000)
	v.SetDefault("rtc.port_max", 49999)
	v.SetDefault("rtc.ice_servers", []string{})
	v.SetDefault("rtc.connect_timeout", "10s")
	v.SetDefault("rtc.loopback", true)

	v.SetDefault("voice.grace_period", "5s")
	v.SetDefault("voice.stats_interval", "1s")
	v.SetDefault("voice.destroy_empty", false)
	v.SetDefault("voice.backpressure_policy", "kick")
	v.SetDefault("voice.default_capabilities.speak", true)
	v.SetDefault("voice.default_capabilities.video", true)
	v.SetDefault("voice.default_capabilities.share_screen", true)
	v.SetDefault("voice.user_capabilities", map[string]any{})

	v.SetDefault("signal.rate_limit", 20)
	v.SetDefault("signal.rate_burst", 40)
	v.SetDefault("signal.send_buffer", 64)

	v.SetDefault("client.server_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("client.channel", "general")
	v.SetDefault("client.token", "")
	v.SetDefault("client.constraints.audio.sample_rate", 48000)
	v.SetDefault("client.constraints.audio.channels", 2)
	v.SetDefault("client.constraints.audio.echo_cancellation", true)
	v.SetDefault("client.constraints.audio.noise_suppression", true)
	v.SetDefault("client.constraints.audio.auto_gain_control", true)
	v.SetDefault("client.constraints.video.width", 1280)
	v.SetDefault("client.constraints.video.height", 720)
	v.SetDefault("client.constraints.video.frame_rate", 30)
	v.SetDefault("client.constraints.screen.width", 1920)
	v.SetDefault("client.constraints.screen.height", 1080)
	v.SetDefault("client.constraints.screen.frame_rate", 30)
}

// Flags lists the command line overrides understood by Load. Each flag is
// bound to the config key of the same name.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "", "config file (default config/config.$CONFIG_ENV.yaml)")
	fs.String("server.mode", "", "gin mode: debug or release")
	fs.Int("server.port", 0, "http listen port")
	fs.String("rtc.announced_ip", "", "public ip advertised in candidates")
	fs.Int("rtc.udp_port", 0, "single udp port for media")
	fs.String("client.server_url", "", "signal endpoint to dial")
	fs.String("client.channel", "", "voice channel to join")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Flags that
// were set on fs win over the file.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			fileName = f.Value.String()
		}
	}

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	setDefaults(v)

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Server.Mode).
		Int("port", cfg.Server.Port).
		Msg("config ready")
	return &cfg, nil
}
