package cmd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/BioHazard786/Boothcall/internal/booth"
	"github.com/BioHazard786/Boothcall/internal/config"
	"github.com/BioHazard786/Boothcall/internal/dns"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/media"
	"github.com/BioHazard786/Boothcall/internal/media/devices"
	"github.com/BioHazard786/Boothcall/internal/room"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/version"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

const apiTimeout = 5 * time.Second

// CallContext holds everything one room session runs on.
type CallContext struct {
	Config  *config.Config
	Client  *signaling.Client
	Source  *media.Source
	Session *room.Session
}

// Close leaves the room, which releases every device, and tears down the
// transport.
func (c *CallContext) Close() {
	if c.Session != nil {
		c.Session.Leave()
	}
	if c.Client != nil {
		c.Client.Close()
	}
}

// LoadConfig loads client configuration and validates relay settings.
func LoadConfig(opts config.Options) (*config.Config, error) {
	cfg, err := config.Load(opts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.ForceRelay && cfg.GetTURNServers() == nil {
		return nil, fmt.Errorf("cannot force relay mode without TURN server configured")
	}
	return cfg, nil
}

// Connect dials the signaling server as selfID.
func Connect(ctx context.Context, cfg *config.Config, selfID string) (*signaling.Client, error) {
	client := signaling.NewClient(cfg.WebSocketURL, selfID, logging.L())
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to server: %w", err)
	}
	return client, nil
}

// NewCallContext builds the media, transport and room session for roomID
// on a connected client. Nothing is published until the session joins.
func NewCallContext(ctx context.Context, cfg *config.Config, client *signaling.Client, roomID string, presence signaling.Presence, constraints media.Constraints) (*CallContext, error) {
	log := logging.L()

	fallback := webrtc.FallbackServers(cfg.GetSTUNServers(), cfg.GetTURNServers(), cfg.TURNUser, cfg.TURNPass)
	servers := webrtc.ResolveICEServers(ctx, cfg.ICEURL, fallback, log)

	factory, err := webrtc.NewFactory(servers, cfg.ForceRelay || webrtc.ShouldForceRelay(), log)
	if err != nil {
		return nil, err
	}

	driver, err := devices.New(log)
	if err != nil {
		return nil, fmt.Errorf("init media devices: %w", err)
	}
	source := media.NewSource(driver, log)

	session := room.New(room.Options{
		RoomID:      roomID,
		Email:       cfg.Email,
		Presence:    presence,
		Constraints: constraints,
		Source:      source,
		Channel:     client.Channel(signaling.RoomTopic(roomID)),
		Dialer:      factory,
		BoothChannel: func(topic string) booth.Channel {
			return client.Transient(topic)
		},
		Reconnect:      client.Reconnect,
		SignalingState: client.State,
		StaleTimeout:   cfg.StaleTimeout,
		SweepInterval:  cfg.SweepInterval,
		HandoverWindow: cfg.HandoverWindow,
		Log:            log,
	})

	return &CallContext{Config: cfg, Client: client, Source: source, Session: session}, nil
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

var apiClient = &fasthttp.Client{
	Name: version.ClientName,
	Dial: func(addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), apiTimeout)
		defer cancel()
		return dns.DialContext(ctx, "tcp", addr)
	},
}

// CreateRoom asks the server for a fresh room id.
func CreateRoom(cfg *config.Config) (string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(cfg.APIURL + "/rooms")
	req.Header.SetMethod(fasthttp.MethodPost)

	if err := apiClient.DoTimeout(req, resp, apiTimeout); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	if resp.StatusCode() != fasthttp.StatusCreated {
		return "", fmt.Errorf("create room: server returned %d", resp.StatusCode())
	}

	var body createRoomResponse
	if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return body.RoomID, nil
}

// RoomLink returns the browser link for a room.
func RoomLink(cfg *config.Config, roomID string) string {
	return fmt.Sprintf("%s/room/%s", cfg.APIURL, roomID)
}
