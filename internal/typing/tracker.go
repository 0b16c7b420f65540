// Package typing 跟踪 (用户, 会话) 维度的"正在输入"状态。
// 每个条目持有一个可取消的定时器而不是周期扫描：Stop 立即确定地生效，
// 连续击键只会重置（cancel+rearm）同一个定时器，不会堆叠出重复的停止事件。
package typing

import (
	"sync"
	"time"
)

// DefaultAutoStop 无后续动作时自动清除输入状态的时长。
const DefaultAutoStop = 3 * time.Second

// NotifyFunc 把输入状态变化推给接收方；目标不在线时实现方应静默丢弃。
type NotifyFunc func(receiverID, userID, conversationID string, isTyping bool)

type entry struct {
	timer      *time.Timer
	receiverID string
}

type Tracker struct {
	mu      sync.Mutex
	entries map[string]map[string]*entry // userID → conversationID → entry
	notify  NotifyFunc

	// AutoStop 可在测试中缩短；零值回落到 DefaultAutoStop。
	AutoStop time.Duration
}

func NewTracker(notify NotifyFunc) *Tracker {
	return &Tracker{entries: make(map[string]map[string]*entry), notify: notify}
}

func (t *Tracker) autoStop() time.Duration {
	if t.AutoStop > 0 {
		return t.AutoStop
	}
	return DefaultAutoStop
}

// Start 标记用户在某会话中正在输入：每次调用都通知接收方 isTyping:true，
// 并（重新）装载自动清除定时器。连续击键因此只重置定时器，
// 不会堆叠出多余的停止事件。
func (t *Tracker) Start(userID, conversationID, receiverID string) {
	t.mu.Lock()
	convs, ok := t.entries[userID]
	if !ok {
		convs = make(map[string]*entry)
		t.entries[userID] = convs
	}
	if old, ok := convs[conversationID]; ok {
		old.timer.Stop()
	}
	e := &entry{receiverID: receiverID}
	e.timer = time.AfterFunc(t.autoStop(), func() { t.expire(userID, conversationID, e) })
	convs[conversationID] = e
	t.mu.Unlock()

	t.notify(receiverID, userID, conversationID, true)
}

// Stop 取消未决的定时器并清除状态。无论接收方是否可达都发送 isTyping:false
// （推送本身对不可达目标是 no-op）。
func (t *Tracker) Stop(userID, conversationID, receiverID string) {
	t.mu.Lock()
	if convs, ok := t.entries[userID]; ok {
		if e, ok := convs[conversationID]; ok {
			e.timer.Stop()
			delete(convs, conversationID)
		}
		if len(convs) == 0 {
			delete(t.entries, userID)
		}
	}
	t.mu.Unlock()

	t.notify(receiverID, userID, conversationID, false)
}

// expire 是定时器回调：仅当条目仍是装载时的那一个才生效。
// 会话断开或 Stop 已清除的条目在这里直接返回，迟到的定时器因此无害。
func (t *Tracker) expire(userID, conversationID string, armed *entry) {
	t.mu.Lock()
	convs, ok := t.entries[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e, ok := convs[conversationID]
	if !ok || e != armed {
		t.mu.Unlock()
		return
	}
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(t.entries, userID)
	}
	t.mu.Unlock()

	t.notify(armed.receiverID, userID, conversationID, false)
}

// TeardownUser 取消该用户全部定时器并移除状态，不补发任何事件：
// 对端会同时收到 presence-offline，无需再看到 isTyping:false。
func (t *Tracker) TeardownUser(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if convs, ok := t.entries[userID]; ok {
		for _, e := range convs {
			e.timer.Stop()
		}
		delete(t.entries, userID)
	}
}

// IsTyping 仅用于测试与诊断。
func (t *Tracker) IsTyping(userID, conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	convs, ok := t.entries[userID]
	if !ok {
		return false
	}
	_, ok = convs[conversationID]
	return ok
}
