package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// SubjectPrefix is the prefix of every subject the bot bridge reads from or writes to
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Viewer sockets are hijacked, so this does not limit their lifetime.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Viewer Server Related Config

// ViewerEndpointConfig defines viewer API endpoint config
type ViewerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the viewer APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// ViewerSessionConfig defines the per viewer session parameters
type ViewerSessionConfig struct {
	// SendBuffer is the number of outbound messages queued per viewer before messages
	// are dropped
	SendBuffer int `mapstructure:"send_buffer" json:"send_buffer" validate:"gte=1"`
	// WriteTimeout is the max duration for writing one message to a viewer in seconds
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=1"`
	// PingInterval is the interval between keepalive pings in seconds
	PingInterval int `mapstructure:"ping_interval_sec" json:"ping_interval_sec" validate:"gte=1"`
	// InboundRateLimit is the max number of inbound messages per second per viewer
	InboundRateLimit float64 `mapstructure:"inbound_msg_per_sec" json:"inbound_msg_per_sec" validate:"gt=0"`
	// InboundBurst is the inbound message burst allowance per viewer
	InboundBurst int `mapstructure:"inbound_msg_burst" json:"inbound_msg_burst" validate:"gte=1"`
	// GameVersion is the world version announced to each viewer on connect
	GameVersion string `mapstructure:"game_version" json:"game_version" validate:"required"`
	// FirstPerson whether the viewer camera follows the bot's pitch
	FirstPerson bool `mapstructure:"first_person" json:"first_person"`
}

// RenderConfig defines the render rate coordinator parameters
type RenderConfig struct {
	// MaxFPS caps the rate any single viewer may request
	MaxFPS float64 `mapstructure:"max_fps" json:"max_fps" validate:"gt=0"`
	// EventQueueDepth is the depth of the coordinator's event queue
	EventQueueDepth int `mapstructure:"event_queue_depth" json:"event_queue_depth" validate:"gte=1"`
	// AssertInvariants whether to verify the tracked max rate after every mutation
	AssertInvariants bool `mapstructure:"assert_invariants" json:"assert_invariants"`
}

// ViewerServerConfig defines configuration for the viewer server
type ViewerServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the viewer server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the viewer server
	Endpoints ViewerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Session is the per viewer session parameters
	Session ViewerSessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// Render is the render rate coordinator parameters
	Render RenderConfig `mapstructure:"render" json:"render" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by the viewer server
type SystemConfig struct {
	// NATS are the NATS related config parameters. The bot bridge is disabled without it.
	NATS *NATSConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Viewer are the viewer server configs
	Viewer ViewerServerConfig `mapstructure:"viewer" json:"viewer" validate:"required,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default Viewer server settings
	viper.SetDefault("viewer.endpoint_config.path_prefix", "/")
	viper.SetDefault("viewer.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("viewer.api_server.server_config.listen_port", 3000)
	viper.SetDefault("viewer.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("viewer.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("viewer.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"viewer.api_server.logging_config.request_id_header", "Viewcast-Request-ID",
	)
	viper.SetDefault(
		"viewer.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default viewer session settings
	viper.SetDefault("viewer.session.send_buffer", 64)
	viper.SetDefault("viewer.session.write_timeout_sec", 10)
	viper.SetDefault("viewer.session.ping_interval_sec", 30)
	viper.SetDefault("viewer.session.inbound_msg_per_sec", 20)
	viper.SetDefault("viewer.session.inbound_msg_burst", 40)
	viper.SetDefault("viewer.session.game_version", "1.16.4")
	viper.SetDefault("viewer.session.first_person", false)

	// Default render settings
	viper.SetDefault("viewer.render.max_fps", 120)
	viper.SetDefault("viewer.render.event_queue_depth", 256)
	viper.SetDefault("viewer.render.assert_invariants", false)
}

// InstallDefaultNATSConfigValues installs default NATS config parameters in viper
//
// Only called when the bot bridge is requested, since a NATS section enables it.
func InstallDefaultNATSConfigValues() {
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "viewcast")
}
