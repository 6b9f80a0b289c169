package network

import (
	"fmt"

	"github.com/SubhajL/munbon2-backend-sub009/pkg/hydraulics"
)

// Node is a junction, source or zone delivery point in the canal network.
type Node struct {
	ID           string  `json:"id"`
	BedElevation float64 `json:"bed_elevation"`
	DesignLevel  float64 `json:"design_level"` // design water-surface elevation
	DesignDepth  float64 `json:"design_depth"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
}

// ReachLink places a canal reach between two nodes. Flow direction is
// positive from UpNode to DownNode.
type ReachLink struct {
	hydraulics.Reach
	UpNode   string `json:"up_node"`
	DownNode string `json:"down_node"`
}

// GateLink places a control gate between two nodes.
type GateLink struct {
	hydraulics.Gate
	UpNode   string `json:"up_node"`
	DownNode string `json:"down_node"`
}

// Zone is an irrigation delivery zone fed through a dedicated gate.
type Zone struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	DeliveryNode string `json:"delivery_node"`
	DeliveryGate string `json:"delivery_gate"`
}

// Topology is the static network description supplied by the GIS/config
// service. Read-mostly during a solve; replaced wholesale on change.
type Topology struct {
	SourceNode string                `json:"source_node"`
	Nodes      map[string]*Node      `json:"nodes"`
	Reaches    map[string]*ReachLink `json:"reaches"`
	Gates      map[string]*GateLink  `json:"gates"`
	Zones      map[string]*Zone      `json:"zones"`
}

// edge is a directed connection used for path finding.
type edge struct {
	to      string
	gateID  string
	reachID string
}

// PathSegment is one hop of a source-to-zone delivery path. Exactly one of
// GateID and ReachID is set.
type PathSegment struct {
	From    string
	To      string
	GateID  string
	ReachID string
}

// Path is an ordered source-to-zone sequence of segments.
type Path struct {
	Zone     string
	Segments []PathSegment
}

// GateIDs returns the gates along the path in upstream-to-downstream order.
func (p *Path) GateIDs() []string {
	var ids []string
	for _, s := range p.Segments {
		if s.GateID != "" {
			ids = append(ids, s.GateID)
		}
	}
	return ids
}

// ReachIDs returns the reaches along the path in upstream-to-downstream order.
func (p *Path) ReachIDs() []string {
	var ids []string
	for _, s := range p.Segments {
		if s.ReachID != "" {
			ids = append(ids, s.ReachID)
		}
	}
	return ids
}

// Validate checks referential integrity of the topology.
func (t *Topology) Validate() error {
	if _, ok := t.Nodes[t.SourceNode]; !ok {
		return fmt.Errorf("source node %q not in topology", t.SourceNode)
	}
	for id, r := range t.Reaches {
		if _, ok := t.Nodes[r.UpNode]; !ok {
			return fmt.Errorf("reach %s: unknown upstream node %q", id, r.UpNode)
		}
		if _, ok := t.Nodes[r.DownNode]; !ok {
			return fmt.Errorf("reach %s: unknown downstream node %q", id, r.DownNode)
		}
	}
	for id, g := range t.Gates {
		if _, ok := t.Nodes[g.UpNode]; !ok {
			return fmt.Errorf("gate %s: unknown upstream node %q", id, g.UpNode)
		}
		if _, ok := t.Nodes[g.DownNode]; !ok {
			return fmt.Errorf("gate %s: unknown downstream node %q", id, g.DownNode)
		}
	}
	for id, z := range t.Zones {
		if _, ok := t.Nodes[z.DeliveryNode]; !ok {
			return fmt.Errorf("zone %s: unknown delivery node %q", id, z.DeliveryNode)
		}
		if _, ok := t.Gates[z.DeliveryGate]; !ok {
			return fmt.Errorf("zone %s: unknown delivery gate %q", id, z.DeliveryGate)
		}
	}
	return nil
}

// adjacency builds the downstream-directed edge list.
func (t *Topology) adjacency() map[string][]edge {
	adj := make(map[string][]edge)
	for id, r := range t.Reaches {
		adj[r.UpNode] = append(adj[r.UpNode], edge{to: r.DownNode, reachID: id})
	}
	for id, g := range t.Gates {
		adj[g.UpNode] = append(adj[g.UpNode], edge{to: g.DownNode, gateID: id})
	}
	return adj
}

// PathToZone finds the source-to-zone delivery path by breadth-first search
// over the declared flow directions.
func (t *Topology) PathToZone(zoneID string) (*Path, error) {
	zone, ok := t.Zones[zoneID]
	if !ok {
		return nil, fmt.Errorf("unknown zone %q", zoneID)
	}

	adj := t.adjacency()
	type hop struct {
		prev string
		via  edge
	}
	visited := map[string]hop{t.SourceNode: {}}
	queue := []string{t.SourceNode}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == zone.DeliveryNode {
			break
		}
		for _, e := range adj[cur] {
			if _, seen := visited[e.to]; seen {
				continue
			}
			visited[e.to] = hop{prev: cur, via: e}
			queue = append(queue, e.to)
		}
	}

	if _, ok := visited[zone.DeliveryNode]; !ok {
		return nil, fmt.Errorf("zone %q unreachable from source %q", zoneID, t.SourceNode)
	}

	// Walk back from the delivery node and reverse.
	var rev []PathSegment
	for cur := zone.DeliveryNode; cur != t.SourceNode; {
		h := visited[cur]
		rev = append(rev, PathSegment{
			From:    h.prev,
			To:      cur,
			GateID:  h.via.gateID,
			ReachID: h.via.reachID,
		})
		cur = h.prev
	}
	segs := make([]PathSegment, 0, len(rev))
	for i := len(rev) - 1; i >= 0; i-- {
		segs = append(segs, rev[i])
	}
	return &Path{Zone: zoneID, Segments: segs}, nil
}
