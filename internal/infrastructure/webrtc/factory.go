package webrtc

import (
	"fmt"

	"meetline/internal/core/ports"
	"meetline/pkg/config"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FactoryConfig WebRTC configuration
type FactoryConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// FactoryConfigFrom maps the webrtc section of the application config.
func FactoryConfigFrom(cfg *config.Config) FactoryConfig {
	var fc FactoryConfig
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		fc.ICEServers = append(fc.ICEServers, server)
	}
	fc.PortRange.Min = cfg.WebRTC.PortRange.Min
	fc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return fc
}

// ConnectionFactory builds peer connections that share one pion API.
type ConnectionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewConnectionFactory(cfg FactoryConfig, logger *zap.SugaredLogger) (*ConnectionFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	return &ConnectionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

func (f *ConnectionFactory) NewConnection() (ports.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return &Connection{PeerConnection: pc, logger: f.logger}, nil
}

// Connection is a pion peer connection that drains sender RTCP for every
// local track and routes keyframe requests back to the track.
type Connection struct {
	*webrtc.PeerConnection
	logger *zap.SugaredLogger
}

// keyframeRequester is implemented by local video tracks.
type keyframeRequester interface {
	RequestKeyframe()
}

func (c *Connection) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go c.readSenderRTCP(track, sender)
	return sender, nil
}

// readSenderRTCP runs until the sender stops.
func (c *Connection) readSenderRTCP(track webrtc.TrackLocal, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		c.processSenderRTCP(track, packets)
	}
}

func (c *Connection) processSenderRTCP(track webrtc.TrackLocal, packets []rtcp.Packet) {
	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				c.logger.Debugw("receiver report",
					"track_id", track.ID(),
					"fraction_lost", float64(report.FractionLost)/256,
					"jitter", report.Jitter,
					"total_lost", report.TotalLost,
				)
			}

		case *rtcp.TransportLayerNack:
			c.logger.Debugw("received NACK",
				"track_id", track.ID(),
				"nacks", len(p.Nacks),
			)

		case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
			if kr, ok := track.(keyframeRequester); ok {
				kr.RequestKeyframe()
			}
		}
	}
}
