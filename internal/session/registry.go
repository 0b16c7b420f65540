// Package session 维护逻辑用户到在线传输会话的映射。
// 注册表是"此刻该用户是否可达"的唯一权威：同一用户重复连接时后连接者
// 顶替前者（last-connect-wins），被顶替的旧会话交还调用方关闭。
package session

import (
	"sync"
	"time"
)

// Event 是下行到客户端的统一帧：{"event": ..., "data": ...}。
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Peer 是一条可写的在线会话。Send 必须可被多 goroutine 并发调用
// （WS 实现内部用写锁串行化），目标不可达时的错误由调用方按丢弃处理。
type Peer interface {
	Send(evt *Event) error
	Close() error
}

type entry struct {
	peer        Peer
	connectedAt time.Time
}

// Registry 的所有变更都在互斥锁内完成；路由读取走 RLock，
// 广播前先取快照，绝不在持锁状态下向 Peer 写入。
type Registry struct {
	mu    sync.RWMutex
	peers map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]entry)}
}

// Register 记录/覆盖 userID 的在线会话，返回被顶替的旧会话（可能为 nil）。
func (r *Registry) Register(userID string, p Peer) Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.peers[userID]
	r.peers[userID] = entry{peer: p, connectedAt: time.Now()}
	if ok && old.peer != p {
		return old.peer
	}
	return nil
}

// Lookup 非阻塞读取 userID 的在线会话。
func (r *Registry) Lookup(userID string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.peers[userID]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Unregister 移除映射。若 userID 本就不在线则为 no-op（返回 false）。
func (r *Registry) Unregister(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[userID]; !ok {
		return false
	}
	delete(r.peers, userID)
	return true
}

// UnregisterPeer 仅当 userID 当前绑定的正是 p 时才移除。
// 用于旧连接被顶替后其读循环退出时，避免误删新会话。
func (r *Registry) UnregisterPeer(userID string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[userID]
	if !ok || e.peer != p {
		return false
	}
	delete(r.peers, userID)
	return true
}

// Snapshot 返回当前所有在线会话的不可变副本，供广播迭代。
func (r *Registry) Snapshot() map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Peer, len(r.peers))
	for id, e := range r.peers {
		out[id] = e.peer
	}
	return out
}

// SnapshotExcept 同 Snapshot，但排除指定用户（广播给"除本人外的所有人"）。
func (r *Registry) SnapshotExcept(userID string) map[string]Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Peer, len(r.peers))
	for id, e := range r.peers {
		if id == userID {
			continue
		}
		out[id] = e.peer
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
