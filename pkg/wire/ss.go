package wire

// SSOp is a signaling server operation code.
type SSOp int32

const (
	SSOpClose SSOp = iota
	SSOpHeartbeat
	SSOpUpdateNodePosition
	SSOpConnectNode
	SSOpDisconnectNode
	SSOpReportNode
	SSOpSendOffer
	SSOpAnswerOffer
	SSOpVerifyNodeConnected
	SSOpInitPool
	SSOpAddNode
	SSOpRemoveNode
	SSOpAddUser
	SSOpRemoveUser
)

// ReportCode classifies a node report.
type ReportCode int32

const (
	ReportCodeDisconnect ReportCode = iota
)

// SSMessage is the signaling envelope. Key correlates request and response.
// Exactly one data field matching Op is set.
type SSMessage struct {
	Op  SSOp   `msgpack:"op"`
	Key string `msgpack:"key"`

	UpdateNodePositionData  *UpdateNodePositionData  `msgpack:"updateNodePositionData"`
	ConnectNodeData         *ConnectNodeData         `msgpack:"connectNodeData"`
	DisconnectNodeData      *DisconnectNodeData      `msgpack:"disconnectNodeData"`
	ReportNodeData          *ReportNodeData          `msgpack:"reportNodeData"`
	SDPOfferData            *SDPOfferData            `msgpack:"sdpOfferData"`
	SDPResponseData         *SDPResponseData         `msgpack:"sdpResponseData"`
	SuccessResponseData     *SuccessResponseData     `msgpack:"successResponseData"`
	VerifyNodeConnectedData *VerifyNodeConnectedData `msgpack:"verifyNodeConnectedData"`
	InitPoolData            *InitPoolData            `msgpack:"initPoolData"`
	AddNodeData             *AddNodeData             `msgpack:"addNodeData"`
	RemoveNodeData          *RemoveNodeData          `msgpack:"removeNodeData"`
	AddUserData             *AddUserData             `msgpack:"addUserData"`
	RemoveUserData          *RemoveUserData          `msgpack:"removeUserData"`
}

// UpdateNodePositionData installs a new topology position. The cluster grids
// are row-major: parent 3x3, child 2x3. Empty strings mark vacant slots.
type UpdateNodePositionData struct {
	Path                 []uint32 `msgpack:"path"`
	PartnerInt           uint32   `msgpack:"partnerInt"`
	CenterCluster        bool     `msgpack:"centerCluster"`
	ParentClusterNodeIDs []string `msgpack:"parentClusterNodeIds"`
	ChildClusterNodeIDs  []string `msgpack:"childClusterNodeIds"`
}

// ConnectNodeData asks this node to offer a connection to NodeID.
type ConnectNodeData struct {
	NodeID string `msgpack:"nodeId"`
}

// DisconnectNodeData drops the connection to NodeID.
type DisconnectNodeData struct {
	NodeID string `msgpack:"nodeId"`
}

// ReportNodeData reports a misbehaving or vanished peer.
type ReportNodeData struct {
	NodeID     string     `msgpack:"nodeId"`
	ReportCode ReportCode `msgpack:"reportCode"`
}

// SDPOfferData relays an SDP offer or answer from another node.
type SDPOfferData struct {
	FromNodeID string `msgpack:"fromNodeId"`
	SDP        string `msgpack:"sdp"`
}

// SDPResponseData replies to an SDP exchange step.
type SDPResponseData struct {
	Success bool   `msgpack:"success"`
	SDP     string `msgpack:"sdp"`
}

// SuccessResponseData is a bare success flag reply.
type SuccessResponseData struct {
	Success bool `msgpack:"success"`
}

// VerifyNodeConnectedData asks whether NodeID is currently connected.
type VerifyNodeConnectedData struct {
	NodeID string `msgpack:"nodeId"`
}

// DeviceInfo describes one device of a user.
type DeviceInfo struct {
	DeviceID   string `msgpack:"deviceId" json:"deviceId"`
	DeviceName string `msgpack:"deviceName" json:"deviceName"`
	DeviceType string `msgpack:"deviceType" json:"deviceType"`
}

// UserInfo describes a pool member and their devices.
type UserInfo struct {
	UserID      string       `msgpack:"userId" json:"userId"`
	DisplayName string       `msgpack:"displayName" json:"displayName"`
	Devices     []DeviceInfo `msgpack:"devices" json:"devices"`
}

// PoolInfo is the pool roster snapshot.
type PoolInfo struct {
	PoolID   string     `msgpack:"poolId" json:"poolId"`
	PoolName string     `msgpack:"poolName" json:"poolName"`
	Users    []UserInfo `msgpack:"users" json:"users"`
}

// InitPoolData initializes roster and active nodes on join.
type InitPoolData struct {
	PoolInfo  *PoolInfo     `msgpack:"poolInfo"`
	InitNodes []AddNodeData `msgpack:"initNodes"`
}

// AddNodeData announces an active node and its path.
type AddNodeData struct {
	NodeID string   `msgpack:"nodeId"`
	UserID string   `msgpack:"userId"`
	Path   []uint32 `msgpack:"path"`
}

// BasicNode is a node id + path pair.
type BasicNode struct {
	NodeID string   `msgpack:"nodeId"`
	Path   []uint32 `msgpack:"path"`
}

// RemoveNodeData removes a node; PromotedNodes carry updated paths of nodes
// that moved up to fill the gap.
type RemoveNodeData struct {
	NodeID        string      `msgpack:"nodeId"`
	PromotedNodes []BasicNode `msgpack:"promotedNodes"`
}

// AddUserData adds or updates a pool member.
type AddUserData struct {
	UserInfo *UserInfo `msgpack:"userInfo"`
}

// RemoveUserData removes a pool member.
type RemoveUserData struct {
	UserID string `msgpack:"userId"`
}
