package pool

import "github.com/poolnet/poolnet/pkg/wire"

// PanelNodeIDs are the three partner slots of one panel. Empty strings mark
// vacant slots.
type PanelNodeIDs [3]string

// NodePosition is an immutable snapshot of this node's place in the overlay,
// published by the signaling server. ParentCluster holds the 3x3 grid of the
// node's own cluster row; ChildCluster the 2x3 grid below it.
type NodePosition struct {
	Path          []uint32
	PartnerInt    int
	PanelNumber   int
	CenterCluster bool
	ParentCluster [3]PanelNodeIDs
	ChildCluster  [2]PanelNodeIDs
}

// NodePositionFromUpdate builds a position snapshot from the wire update.
// The panel number is the last path element.
func NodePositionFromUpdate(data *wire.UpdateNodePositionData) NodePosition {
	pos := NodePosition{
		Path:          data.Path,
		PartnerInt:    int(data.PartnerInt),
		CenterCluster: data.CenterCluster,
	}

	idx := 0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if idx < len(data.ParentClusterNodeIDs) {
				pos.ParentCluster[i][j] = data.ParentClusterNodeIDs[idx]
			}
			idx++
		}
	}
	idx = 0
	for i := 0; i < 2; i++ {
		for j := 0; j < 3; j++ {
			if idx < len(data.ChildClusterNodeIDs) {
				pos.ChildCluster[i][j] = data.ChildClusterNodeIDs[idx]
			}
			idx++
		}
	}

	if len(data.Path) != 0 {
		pos.PanelNumber = int(data.Path[len(data.Path)-1])
	}
	return pos
}
