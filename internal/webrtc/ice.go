package webrtc

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/BioHazard786/Boothcall/internal/dns"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/version"
	"github.com/bytedance/sonic"
	pion "github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const iceFetchTimeout = 5 * time.Second

// ICEResponse is the body served by the ICE credential endpoint.
type ICEResponse struct {
	ICEServers []ICEServerConfig `json:"iceServers"`
}

// ICEServerConfig mirrors RTCIceServer: urls may be a string or a list.
type ICEServerConfig struct {
	URLs       URLList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// URLList decodes either a single URL or a list of URLs.
type URLList []string

func (l *URLList) UnmarshalJSON(data []byte) error {
	var one string
	if err := sonic.Unmarshal(data, &one); err == nil {
		*l = URLList{one}
		return nil
	}
	var many []string
	if err := sonic.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("urls must be a string or a list: %w", err)
	}
	*l = many
	return nil
}

// ToPion converts the response to pion ICE servers.
func (r ICEResponse) ToPion() []pion.ICEServer {
	out := make([]pion.ICEServer, 0, len(r.ICEServers))
	for _, s := range r.ICEServers {
		if len(s.URLs) == 0 {
			continue
		}
		out = append(out, pion.ICEServer{
			URLs:       []string(s.URLs),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

var iceClient = &fasthttp.Client{
	Name: version.ClientName,
	Dial: func(addr string) (net.Conn, error) {
		ctx, cancel := context.WithTimeout(context.Background(), iceFetchTimeout)
		defer cancel()
		return dns.DialContext(ctx, "tcp", addr)
	},
}

// FetchICEServers requests the ICE server list from the credential endpoint.
func FetchICEServers(ctx context.Context, url string) ([]pion.ICEServer, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(iceFetchTimeout)
	}
	if err := iceClient.DoDeadline(req, resp, deadline); err != nil {
		return nil, NewError("fetch ice servers", err)
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, WrapError("fetch ice servers", fmt.Errorf("unexpected status code: %d", resp.StatusCode()), string(resp.Body()))
	}

	var body ICEResponse
	if err := sonic.Unmarshal(resp.Body(), &body); err != nil {
		return nil, NewError("decode ice servers", err)
	}

	servers := body.ToPion()
	if len(servers) == 0 {
		return nil, NewError("fetch ice servers", fmt.Errorf("endpoint returned no servers"))
	}
	return servers, nil
}

// ResolveICEServers fetches the server list once at room entry and falls
// back to the given public STUN and community TURN servers when the
// endpoint is unavailable.
func ResolveICEServers(ctx context.Context, url string, fallback []pion.ICEServer, log logging.Logger) []pion.ICEServer {
	if url == "" {
		return fallback
	}
	servers, err := FetchICEServers(ctx, url)
	if err != nil {
		log.Warn("using fallback ICE servers", zap.Error(err))
		return fallback
	}
	log.Debug("fetched ICE servers", zap.Int("count", len(servers)))
	return servers
}

// FallbackServers builds the ICE list used when the endpoint is unavailable.
func FallbackServers(stun, turn []string, username, credential string) []pion.ICEServer {
	servers := []pion.ICEServer{{URLs: stun}}
	if len(turn) > 0 {
		servers = append(servers, pion.ICEServer{
			URLs:       turn,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}
