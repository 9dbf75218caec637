package replicate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Peer is one member of the cluster configuration: spec.md §3 "Cluster
// configuration" — an (ip, peering_port, api_port) triple. PeeringPort is
// the port dragonboat's own raft transport listens on; APIPort is the HTTP
// port the Forwarder proxies mutating requests to.
type Peer struct {
	IP          string
	PeeringPort int
	APIPort     int
}

// String renders a Peer back into the "ip:peering_port:api_port" wire
// form.
func (p Peer) String() string {
	return fmt.Sprintf("%s:%d:%d", p.IP, p.PeeringPort, p.APIPort)
}

// HTTPAddr is the host:port the Forwarder dials.
func (p Peer) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", p.IP, p.APIPort)
}

// ParseNodesConfig parses the "ip:peering_port:api_port[,ip:peering_port:api_port]*"
// string described in spec.md §6.
func ParseNodesConfig(raw string) ([]Peer, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("replicate: empty nodes configuration")
	}

	parts := strings.Split(raw, ",")
	peers := make([]Peer, 0, len(parts))
	for _, part := range parts {
		peer, err := parsePeer(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "replicate: invalid nodes configuration %q", raw)
		}
		peers = append(peers, peer)
	}
	return peers, nil
}

func parsePeer(raw string) (Peer, error) {
	fields := strings.Split(raw, ":")
	if len(fields) != 3 {
		return Peer{}, errors.Newf("expected ip:peering_port:api_port, got %q", raw)
	}
	peeringPort, err := strconv.Atoi(fields[1])
	if err != nil {
		return Peer{}, errors.Wrapf(err, "invalid peering port in %q", raw)
	}
	apiPort, err := strconv.Atoi(fields[2])
	if err != nil {
		return Peer{}, errors.Wrapf(err, "invalid api port in %q", raw)
	}
	return Peer{IP: fields[0], PeeringPort: peeringPort, APIPort: apiPort}, nil
}

// resolveNodesConfig substitutes the local single-node configuration when
// nodesConfig is empty (spec.md §4.4.1 step 1 / original_source
// to_nodes_config).
func resolveNodesConfig(localIP string, peeringPort, apiPort int, nodesConfig string) string {
	if strings.TrimSpace(nodesConfig) != "" {
		return nodesConfig
	}
	return fmt.Sprintf("%s:%d:%d", localIP, peeringPort, apiPort)
}

// replicaIDFor derives dragonboat's numeric ReplicaID from the api_port,
// matching spec.md §3 ("the api_port doubles as a disambiguator"). Real
// deployments should prefer a configured replica id; this is the
// zero-configuration fallback the teacher's hashed replica ids
// (cmd/serve/root.go's util.HashString) inspired.
func replicaIDFor(apiPort int) uint64 {
	return uint64(apiPort)
}
