package signal

import "meetline/pkg/config"

// DialerConfigFrom maps the relay section of the application config.
func DialerConfigFrom(cfg *config.Config) DialerConfig {
	dc := DefaultDialerConfig()
	if cfg.Relay.ConnectTimeout > 0 {
		dc.ConnectTimeout = cfg.Relay.ConnectTimeout
	}
	if cfg.Relay.EndpointBackoff > 0 {
		dc.EndpointBackoff = cfg.Relay.EndpointBackoff
	}
	if cfg.Relay.AckTimeout > 0 {
		dc.AckTimeout = cfg.Relay.AckTimeout
	}
	dc.Token = cfg.Relay.Token
	return dc
}

// RelayConfigFrom maps the server and rate limiting sections.
func RelayConfigFrom(cfg *config.Config) RelayConfig {
	rc := DefaultRelayConfig()
	if cfg.Server.PingInterval > 0 {
		rc.PingInterval = cfg.Server.PingInterval
	}
	if cfg.Server.PongTimeout > 0 {
		rc.PongTimeout = cfg.Server.PongTimeout
	}
	if cfg.Server.WriteTimeout > 0 {
		rc.WriteTimeout = cfg.Server.WriteTimeout
	}
	if cfg.Server.MaxMessageSize > 0 {
		rc.MaxMessageSize = cfg.Server.MaxMessageSize
	}

	rc.MessagesPerSecond = 0
	rc.Burst = 0
	if cfg.RateLimiting.Enabled {
		rc.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		rc.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	return rc
}
