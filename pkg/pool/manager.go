package pool

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Pool is the strong owner of one pool's components. The components reference
// each other directly; none of them holds a reference to the Pool.
type Pool struct {
	State     *State
	Conn      *Conn
	Net       *Net
	Signaling *SignalingClient
}

func newPool(poolID string, deps Deps) *Pool {
	state := NewState(poolID, deps.Stores.BasicUserInfo(), deps.Bus)
	conn := NewConn(state, deps.Cfg.STUNServers)
	net := NewNet(state, conn, deps)
	conn.SetNet(net)
	signaling := NewSignalingClient(state, conn, deps)

	return &Pool{
		State:     state,
		Conn:      conn,
		Net:       net,
		Signaling: signaling,
	}
}

func (p *Pool) clean() {
	go func() {
		p.Net.Clean()
		p.Conn.Clean()
	}()
}

// Manager tracks the process's active pools and handles close-and-rejoin.
type Manager struct {
	deps Deps

	mu          sync.RWMutex
	activePools map[string]*Pool
}

// NewManager creates the pool manager.
func NewManager(deps Deps) *Manager {
	logrus.Info("initializing pool manager")
	return &Manager{
		deps:        deps,
		activePools: make(map[string]*Pool),
	}
}

// ConnectToPool joins a pool, replacing any prior membership.
func (m *Manager) ConnectToPool(poolID string) {
	pool := newPool(poolID, m.deps)

	go m.poolCloseHandler(poolID, pool.State)

	m.mu.Lock()
	m.activePools[poolID] = pool
	m.mu.Unlock()
}

// DisconnectFromPool leaves a pool for good; no reconnect follows.
func (m *Manager) DisconnectFromPool(poolID string) {
	m.mu.Lock()
	pool, ok := m.activePools[poolID]
	delete(m.activePools, poolID)
	m.mu.Unlock()

	if ok {
		pool.State.SetDisconnect()
		pool.Signaling.Close()
	}
}

// ActivePool returns a joined pool.
func (m *Manager) ActivePool(poolID string) (*Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.activePools[poolID]
	return pool, ok
}

// Shutdown disconnects from every pool.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := m.activePools
	m.activePools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, pool := range pools {
		pool.State.SetDisconnect()
		pool.Signaling.Close()
	}
}

// poolCloseHandler tears the pool down on close and rejoins it unless the
// user disconnected.
func (m *Manager) poolCloseHandler(poolID string, state *State) {
	<-state.CloseSignal()

	m.mu.Lock()
	pool, ok := m.activePools[poolID]
	if ok {
		delete(m.activePools, poolID)
	}
	m.mu.Unlock()

	if ok {
		pool.clean()
	}

	if state.Reconnect() {
		m.ConnectToPool(poolID)
	}
}
