package signaling

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/turn/v4"

	"github.com/zeta-mv/link-relay/internal/config"
	"github.com/zeta-mv/link-relay/internal/fragment"
)

// turnIngressPassword is a fixed shared secret. It carries no security: the
// TURN handshake is only a carrier, and every allocation request is accepted
// so its username field reaches the fragment store.
const turnIngressPassword = "link"

// TURNIngress runs a STUN/TURN responder whose sole purpose is harvesting
// allocation usernames. Clients smuggle offer fragments through the username
// attribute of allocation requests; the allocations themselves go unused and
// expire on their own.
type TURNIngress struct {
	server *turn.Server
	log    *slog.Logger
}

func NewTURNIngress(cfg config.Config, store *fragment.Store, log *slog.Logger) (*TURNIngress, error) {
	conn, err := net.ListenPacket("udp4", cfg.TURNListenAddr)
	if err != nil {
		return nil, fmt.Errorf("signaling: listen %s: %w", cfg.TURNListenAddr, err)
	}

	relayIP := net.ParseIP(cfg.TURNPublicIP)
	if relayIP == nil {
		relayIP = net.ParseIP("127.0.0.1")
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm:         cfg.TURNRealm,
		LoggerFactory: newSlogLoggerFactory(log),
		// Every request authenticates. The username is the payload; it is
		// handed to the fragment store and a valid key is returned so the
		// handshake completes and the client's next fragment gets through.
		AuthHandler: func(username, realm string, srcAddr net.Addr) ([]byte, bool) {
			store.Ingest(username)
			return turn.GenerateAuthKey(username, realm, turnIngressPassword), true
		},
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: conn,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: relayIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("signaling: start turn server: %w", err)
	}

	log.Info("covert ingress listening", "addr", cfg.TURNListenAddr, "realm", cfg.TURNRealm)
	return &TURNIngress{server: server, log: log}, nil
}

func (t *TURNIngress) Close() error {
	return t.server.Close()
}
