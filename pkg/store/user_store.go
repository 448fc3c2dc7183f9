package store

import (
	"time"

	"github.com/poolnet/poolnet/pkg/poolid"
	"github.com/poolnet/poolnet/pkg/wire"
)

// PoolData is a persisted pool membership.
type PoolData struct {
	PoolInfo     wire.PoolInfo `json:"poolInfo"`
	LastModified int64         `json:"lastModified"`
}

// UserStore persists the local profile and joined pools.
type UserStore struct {
	Registered bool                `json:"registered"`
	UserInfo   wire.UserInfo       `json:"userInfo"`
	Device     wire.DeviceInfo     `json:"device"`
	Pools      map[string]PoolData `json:"pools"`
}

// BasicUserInfo is the subset of the profile the pool engine needs.
type BasicUserInfo struct {
	UserID      string
	DisplayName string
	Device      wire.DeviceInfo
}

// NewProfile installs a registered profile.
func (m *Manager) NewProfile(userInfo wire.UserInfo, device wire.DeviceInfo) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	m.user.data.Registered = true
	m.user.data.UserInfo = userInfo
	m.user.data.Device = device
	m.user.update()
}

// IsRegistered reports whether a profile exists.
func (m *Manager) IsRegistered() bool {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	return m.user.data.Registered
}

// BasicUserInfo returns the local user and device. A missing device id is
// generated and persisted on first use.
func (m *Manager) BasicUserInfo() BasicUserInfo {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	if m.user.data.Device.DeviceID == "" {
		m.user.data.Device.DeviceID = poolid.NewDeviceID()
		m.user.update()
	}
	return BasicUserInfo{
		UserID:      m.user.data.UserInfo.UserID,
		DisplayName: m.user.data.UserInfo.DisplayName,
		Device:      m.user.data.Device,
	}
}

// DeviceID returns the local device id.
func (m *Manager) DeviceID() string {
	return m.BasicUserInfo().Device.DeviceID
}

// SortedPools returns joined pools, most recently modified first.
func (m *Manager) SortedPools() []wire.PoolInfo {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	pools := make([]PoolData, 0, len(m.user.data.Pools))
	for _, p := range m.user.data.Pools {
		pools = append(pools, p)
	}
	for i := 1; i < len(pools); i++ {
		for j := i; j > 0 && pools[j].LastModified > pools[j-1].LastModified; j-- {
			pools[j], pools[j-1] = pools[j-1], pools[j]
		}
	}
	out := make([]wire.PoolInfo, len(pools))
	for i, p := range pools {
		out[i] = p.PoolInfo
	}
	return out
}

// UpdatePool inserts or refreshes a pool membership.
func (m *Manager) UpdatePool(info wire.PoolInfo) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	if m.user.data.Pools == nil {
		m.user.data.Pools = make(map[string]PoolData)
	}
	m.user.data.Pools[info.PoolID] = PoolData{
		PoolInfo:     info,
		LastModified: time.Now().Unix(),
	}
	m.user.update()
}

// RemovePool forgets a pool membership.
func (m *Manager) RemovePool(poolID string) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	delete(m.user.data.Pools, poolID)
	m.user.update()
}

// AddPoolUser adds or replaces a pool member.
func (m *Manager) AddPoolUser(poolID string, userInfo wire.UserInfo) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	pool, ok := m.user.data.Pools[poolID]
	if !ok {
		return
	}
	for i := range pool.PoolInfo.Users {
		if pool.PoolInfo.Users[i].UserID == userInfo.UserID {
			pool.PoolInfo.Users[i] = userInfo
			m.user.data.Pools[poolID] = pool
			m.user.update()
			return
		}
	}
	pool.PoolInfo.Users = append(pool.PoolInfo.Users, userInfo)
	m.user.data.Pools[poolID] = pool
	m.user.update()
}

// RemovePoolUser removes a pool member.
func (m *Manager) RemovePoolUser(poolID, userID string) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	pool, ok := m.user.data.Pools[poolID]
	if !ok {
		return
	}
	for i := range pool.PoolInfo.Users {
		if pool.PoolInfo.Users[i].UserID == userID {
			pool.PoolInfo.Users = append(pool.PoolInfo.Users[:i], pool.PoolInfo.Users[i+1:]...)
			m.user.data.Pools[poolID] = pool
			m.user.update()
			return
		}
	}
}

// AddPoolDevice registers a device under an existing pool member, ignoring
// devices already present.
func (m *Manager) AddPoolDevice(poolID, userID string, device wire.DeviceInfo) {
	m.userMu.Lock()
	defer m.userMu.Unlock()
	pool, ok := m.user.data.Pools[poolID]
	if !ok {
		return
	}
	for i := range pool.PoolInfo.Users {
		if pool.PoolInfo.Users[i].UserID != userID {
			continue
		}
		for _, existing := range pool.PoolInfo.Users[i].Devices {
			if existing.DeviceID == device.DeviceID {
				return
			}
		}
		pool.PoolInfo.Users[i].Devices = append(pool.PoolInfo.Users[i].Devices, device)
		m.user.data.Pools[poolID] = pool
		m.user.update()
		return
	}
}
