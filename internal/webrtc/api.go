package webrtc

import (
	"time"

	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// DefaultPLIInterval is how often keyframes are requested from remote video senders.
const DefaultPLIInterval = 3 * time.Second

// Factory dials pion peer connections from a shared API.
type Factory struct {
	api    *pion.API
	config pion.Configuration
	log    logging.Logger
}

// NewFactory builds the shared API: default codecs, default interceptors and
// interval PLI so late joiners get a keyframe quickly.
func NewFactory(iceServers []pion.ICEServer, forceRelay bool, log logging.Logger) (*Factory, error) {
	mediaEngine := &pion.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	registry := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, NewError("register interceptors", err)
	}

	pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(DefaultPLIInterval))
	if err != nil {
		return nil, NewError("create pli interceptor", err)
	}
	registry.Add(pli)

	policy := pion.ICETransportPolicyAll
	if hasTURN(iceServers) && (forceRelay || ShouldForceRelay()) {
		policy = pion.ICETransportPolicyRelay
	}

	log = log.With(zap.String("component", "webrtc"))
	log.Debug("webrtc api ready", zap.Int("ice_servers", len(iceServers)), zap.String("policy", policy.String()))

	return &Factory{
		api: pion.NewAPI(pion.WithMediaEngine(mediaEngine), pion.WithInterceptorRegistry(registry)),
		config: pion.Configuration{
			ICEServers:         iceServers,
			ICETransportPolicy: policy,
		},
		log: log,
	}, nil
}

// Dial creates a peer connection. Initiators must call Negotiate to send
// the first offer; answerers wait for it.
func (f *Factory) Dial(opts Options, events Events) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, NewPeerError("create peer connection", opts.PeerID, err)
	}

	p, err := newPeer(pc, opts, events, f.log)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return p, nil
}

func hasTURN(servers []pion.ICEServer) bool {
	for _, s := range servers {
		for _, u := range s.URLs {
			if len(u) >= 5 && (u[:5] == "turn:" || u[:5] == "turns") {
				return true
			}
		}
	}
	return false
}
