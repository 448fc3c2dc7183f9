package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/poolnet/poolnet/pkg/config"
	"github.com/poolnet/poolnet/pkg/events"
	"github.com/poolnet/poolnet/pkg/wire"
)

// SignalingClient speaks to the sync server over a websocket: heartbeat, SDP
// relay, topology position and roster updates.
type SignalingClient struct {
	state *State
	conn  *Conn
	deps  Deps

	writeMu sync.Mutex
	ws      *websocket.Conn

	heartbeatTimeout  atomic.Bool
	heartbeatObserved atomic.Bool
}

// NewSignalingClient connects to the sync server and starts the client loops.
func NewSignalingClient(state *State, conn *Conn, deps Deps) *SignalingClient {
	sc := &SignalingClient{
		state: state,
		conn:  conn,
		deps:  deps,
	}
	sc.heartbeatTimeout.Store(true)

	go sc.syncServerLoop()
	go sc.reportNodeLoop()

	return sc
}

// Close tears the pool down and closes the websocket. Safe to call more than
// once; only the first call acts.
func (sc *SignalingClient) Close() {
	if !sc.state.Close() {
		return
	}
	logrus.WithField("pool", sc.state.PoolID).Info("signaling close")

	sc.writeMu.Lock()
	if sc.ws != nil {
		sc.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		sc.ws.Close()
	}
	sc.writeMu.Unlock()
}

func (sc *SignalingClient) syncServerLoop() {
	endpoint := sc.deps.Cfg.ConnectEndpoint(sc.state.PoolID, sc.state.NodeID)
	ws, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		logrus.WithError(err).WithField("pool", sc.state.PoolID).Warn("signaling dial failed")
		sc.Close()
		return
	}

	logrus.WithField("pool", sc.state.PoolID).Info("signaling open")

	sc.writeMu.Lock()
	sc.ws = ws
	sc.writeMu.Unlock()

	// The first frame authenticates the connection.
	if !sc.sendRaw([]byte(sc.deps.Stores.AuthToken())) {
		sc.Close()
		return
	}

	go sc.heartbeatLoop()

	for {
		msgType, buf, err := ws.ReadMessage()
		if err != nil {
			sc.Close()
			return
		}
		if msgType != websocket.BinaryMessage || len(buf) == 0 {
			continue
		}

		var ssMsg wire.SSMessage
		if err := wire.Decode(buf, &ssMsg); err != nil {
			continue
		}

		switch ssMsg.Op {
		case wire.SSOpClose:
			// A server close before any heartbeat means we never got in.
			if !sc.heartbeatObserved.Load() {
				sc.state.SetAuthError()
			}
			sc.Close()
			continue
		case wire.SSOpHeartbeat:
			sc.heartbeatObserved.Store(true)
			sc.heartbeatTimeout.Store(false)
			continue
		}

		msg := ssMsg
		go sc.handleSSMessage(&msg)
	}
}

func (sc *SignalingClient) handleSSMessage(ssMsg *wire.SSMessage) {
	res := &wire.SSMessage{Op: ssMsg.Op, Key: ssMsg.Key}

	switch ssMsg.Op {
	case wire.SSOpUpdateNodePosition:
		if ssMsg.UpdateNodePositionData == nil {
			return
		}
		sc.state.SetNodePosition(NodePositionFromUpdate(ssMsg.UpdateNodePositionData))
		sc.conn.updateIsFullyConnected()

	case wire.SSOpConnectNode:
		if ssMsg.ConnectNodeData == nil {
			return
		}
		sdpRes := &wire.SDPResponseData{}
		if sdp, err := sc.conn.GenerateOffer(ssMsg.ConnectNodeData.NodeID); err == nil {
			sdpRes.Success = true
			sdpRes.SDP = sdp
		}
		res.Op = wire.SSOpSendOffer
		res.SDPResponseData = sdpRes

	case wire.SSOpSendOffer:
		if ssMsg.SDPOfferData == nil {
			return
		}
		sdpRes := &wire.SDPResponseData{}
		if sdp, err := sc.conn.AnswerOffer(ssMsg.SDPOfferData.FromNodeID, ssMsg.SDPOfferData.SDP); err == nil {
			sdpRes.Success = true
			sdpRes.SDP = sdp
		}
		res.Op = wire.SSOpAnswerOffer
		res.SDPResponseData = sdpRes

	case wire.SSOpAnswerOffer:
		if ssMsg.SDPOfferData == nil {
			return
		}
		successRes := &wire.SuccessResponseData{}
		if err := sc.conn.ConnectNode(ssMsg.SDPOfferData.FromNodeID, ssMsg.SDPOfferData.SDP); err == nil {
			successRes.Success = true
		}
		res.Op = wire.SSOpConnectNode
		res.SuccessResponseData = successRes

	case wire.SSOpDisconnectNode:
		if ssMsg.DisconnectNodeData == nil {
			return
		}
		sc.conn.DisconnectNode(ssMsg.DisconnectNodeData.NodeID)

	case wire.SSOpVerifyNodeConnected:
		if ssMsg.VerifyNodeConnectedData == nil {
			return
		}
		res.SuccessResponseData = &wire.SuccessResponseData{
			Success: sc.conn.VerifyConnection(ssMsg.VerifyNodeConnectedData.NodeID),
		}

	case wire.SSOpInitPool:
		if ssMsg.InitPoolData == nil {
			return
		}
		sc.initPool(ssMsg.InitPoolData)

	case wire.SSOpAddNode:
		if ssMsg.AddNodeData == nil {
			return
		}
		sc.addNode(ssMsg.AddNodeData)

	case wire.SSOpRemoveNode:
		if ssMsg.RemoveNodeData == nil {
			return
		}
		sc.removeNode(ssMsg.RemoveNodeData)

	case wire.SSOpAddUser:
		if ssMsg.AddUserData == nil || ssMsg.AddUserData.UserInfo == nil {
			return
		}
		sc.deps.Stores.AddPoolUser(sc.state.PoolID, *ssMsg.AddUserData.UserInfo)
		sc.deps.Bus.PublishAddPoolUser(sc.state.PoolID, ssMsg.AddUserData.UserInfo)

	case wire.SSOpRemoveUser:
		if ssMsg.RemoveUserData == nil {
			return
		}
		sc.deps.Stores.RemovePoolUser(sc.state.PoolID, ssMsg.RemoveUserData.UserID)
		sc.deps.Bus.PublishRemovePoolUser(sc.state.PoolID, ssMsg.RemoveUserData.UserID)

	case wire.SSOpReportNode:
		// Outbound only.

	default:
		return
	}

	sc.sendSSMessage(res)
}

func (sc *SignalingClient) initPool(data *wire.InitPoolData) {
	if data.PoolInfo != nil {
		sc.deps.Stores.UpdatePool(*data.PoolInfo)
		sc.deps.Bus.PublishInitPool(sc.state.PoolID, data.PoolInfo)
	}
	for _, node := range data.InitNodes {
		sc.state.UpdateActiveNodePath(node.NodeID, node.Path)
		sc.deps.Bus.PublishAddPoolNode(sc.state.PoolID, events.PoolNode{
			NodeID: node.NodeID,
			UserID: node.UserID,
			Path:   node.Path,
		})
	}
}

func (sc *SignalingClient) addNode(data *wire.AddNodeData) {
	sc.state.UpdateActiveNodePath(data.NodeID, data.Path)
	sc.deps.Bus.PublishAddPoolNode(sc.state.PoolID, events.PoolNode{
		NodeID: data.NodeID,
		UserID: data.UserID,
		Path:   data.Path,
	})
}

func (sc *SignalingClient) removeNode(data *wire.RemoveNodeData) {
	sc.state.RemoveNode(data.NodeID, data.PromotedNodes)
	sc.deps.Bus.PublishRemovePoolNode(sc.state.PoolID, data.NodeID)
}

// heartbeatLoop sends a heartbeat every interval and closes the pool when
// the reply does not arrive within the timeout.
func (sc *SignalingClient) heartbeatLoop() {
	heartbeat := &wire.SSMessage{Op: wire.SSOpHeartbeat}

	for {
		if sc.state.IsClosed() {
			return
		}

		sc.heartbeatTimeout.Store(true)
		if !sc.sendSSMessage(heartbeat) {
			return
		}

		select {
		case <-sc.state.CloseSignal():
			return
		case <-time.After(config.HeartbeatTimeout):
		}

		if sc.heartbeatTimeout.Load() {
			sc.Close()
			return
		}

		select {
		case <-sc.state.CloseSignal():
			return
		case <-time.After(config.HeartbeatInterval - config.HeartbeatTimeout):
		}
	}
}

// reportNodeLoop forwards peer reports to the sync server.
func (sc *SignalingClient) reportNodeLoop() {
	for {
		select {
		case <-sc.state.CloseSignal():
			return
		case <-sc.conn.reportSignal():
			for {
				report, ok := sc.conn.popReport()
				if !ok {
					break
				}
				data := report
				sc.sendSSMessage(&wire.SSMessage{
					Op:             wire.SSOpReportNode,
					ReportNodeData: &data,
				})
			}
		}
	}
}

func (sc *SignalingClient) sendSSMessage(ssMsg *wire.SSMessage) bool {
	buf, err := wire.Encode(ssMsg)
	if err != nil {
		return false
	}
	return sc.sendRaw(buf)
}

func (sc *SignalingClient) sendRaw(buf []byte) bool {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if sc.ws == nil {
		return false
	}
	return sc.ws.WriteMessage(websocket.BinaryMessage, buf) == nil
}
