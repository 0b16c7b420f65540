// Package ws 提供 WebSocket 接入网关：处理认证、连接生命周期、
// 上行动作（发消息/已读/输入/表情/状态查询）与下行事件推送。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go-chat/internal/auth"
	"go-chat/internal/metrics"
	"go-chat/internal/ratelimit"
	"go-chat/internal/router"
	"go-chat/internal/services"
	"go-chat/internal/session"
	"go-chat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Server 是 WebSocket 网关服务。
// - 注入事件路由器完成上线/下线与下行分发
// - 注入 ChatService 完成消息入库与状态机推进
// - 基于 Redis 令牌桶对上行发送限速
// - 每个连接单独持写锁，避免并发写触发 gorilla/websocket 冲突
type Server struct {
	JWTSecret string
	Router    *router.Router
	Chat      *services.ChatService
	Users     *store.UserStore

	SendQPS   int
	SendBurst int
	Limiter   *ratelimit.TokenBucketLimiter
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Frame 统一封装上行动作与数据载荷。
// action 取值：user_connected、get_user_status、send_message、message_read、
// typing_start、typing_stop、add_reaction
type Frame struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

type ConnectedPayload struct {
	UserID string `json:"userId"`
}

type UserStatusQuery struct {
	UserID string `json:"userId"`
}

type SendPayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type ReadPayload struct {
	MessageIDs []string `json:"messageIds"`
	SenderID   string   `json:"senderId,omitempty"`
}

type TypingActionPayload struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId"`
}

type ReactionActionPayload struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// peer 将一条 WS 连接包装为注册表中的在线会话。
// 写锁串行化所有下行写入；Send 可被任意 goroutine 并发调用。
type peer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (p *peer) Send(evt *session.Event) error {
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, b)
}

func (p *peer) Close() error { return p.conn.Close() }

// Handle 处理 HTTP 升级为 WebSocket 及该连接的读循环。
// - 认证：URL 查询参数或 Authorization: Bearer 传递 JWT
// - 上线：客户端显式上报 user_connected 后才进入注册表
// - 下线：读循环退出即反注册并广播 presence-offline
func (s *Server) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
	}
	claims, err := auth.ParseJWT(s.JWTSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID := claims.UserID

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	p := &peer{conn: conn}
	defer conn.Close()
	log.Printf("WS connected: user=%s", userID)

	registered := false
	defer func() {
		if registered {
			// 读循环退出后连接已不可用；断开清理不依赖请求上下文
			s.Router.Disconnect(context.Background(), userID, p)
		}
		log.Printf("WS disconnected: user=%s", userID)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			log.Printf("WS read error: user=%s err=%v", userID, err)
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("WS unmarshal error: user=%s err=%v data=%q", userID, err, string(data))
			continue
		}
		metrics.WSEventsTotal.WithLabelValues(f.Action).Inc()
		if f.Action == "user_connected" {
			if !registered {
				if err := s.Router.Connect(ctx, userID, p); err != nil {
					log.Printf("WS connect error: user=%s err=%v", userID, err)
					s.sendError(p, "CONNECT_FAILED", err)
					return
				}
				registered = true
			}
			continue
		}
		s.handleInbound(ctx, userID, p, &f)
	}
}

func (s *Server) sendError(p *peer, code string, err error) {
	data := gin.H{"code": code}
	if err != nil {
		data["message"] = err.Error()
	}
	_ = p.Send(&session.Event{Name: "error", Data: data})
}

func (s *Server) rateLimitAllow(ctx context.Context, userID string) bool {
	qps := s.SendQPS
	burst := s.SendBurst
	if qps <= 0 {
		qps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	if s.Limiter == nil {
		return true
	}
	allowed, _, _ := s.Limiter.Allow(ctx, "chat:tb:ws:send:"+userID, qps, burst)
	return allowed
}

// handleInbound 分发上行动作。
func (s *Server) handleInbound(ctx context.Context, userID string, p *peer, f *Frame) {
	switch f.Action {
	case "get_user_status":
		var q UserStatusQuery
		if err := json.Unmarshal(f.Data, &q); err != nil || q.UserID == "" {
			return
		}
		payload := &router.UserStatusPayload{UserID: q.UserID, IsOnline: s.Router.Online(q.UserID)}
		if u, err := s.Users.GetByID(ctx, q.UserID); err == nil && u != nil {
			payload.LastSeen = u.LastSeen
		}
		_ = p.Send(&session.Event{Name: "user_status", Data: payload})

	case "send_message":
		if !s.rateLimitAllow(ctx, userID) {
			s.sendError(p, "RATE_LIMIT", nil)
			log.Printf("WS send blocked by rate limit: user=%s", userID)
			return
		}
		var sp SendPayload
		if err := json.Unmarshal(f.Data, &sp); err != nil {
			log.Printf("WS send payload unmarshal error: user=%s err=%v", userID, err)
			return
		}
		start := time.Now()
		msg, err := s.Chat.SendMessage(ctx, userID, sp.ReceiverID, sp.Content, nil)
		metrics.SendLatency.Observe(float64(time.Since(start).Milliseconds()))
		if err != nil {
			code := "SEND_FAILED"
			if errors.Is(err, services.ErrValidation) {
				code = "INVALID_MESSAGE"
			}
			s.sendError(p, code, err)
			log.Printf("WS send failed: user=%s to=%s err=%v", userID, sp.ReceiverID, err)
			return
		}
		_ = p.Send(&session.Event{Name: "message_sent", Data: msg})

	case "message_read":
		var rp ReadPayload
		if err := json.Unmarshal(f.Data, &rp); err != nil {
			return
		}
		if _, err := s.Chat.MarkRead(ctx, userID, rp.MessageIDs); err != nil && !errors.Is(err, services.ErrValidation) {
			log.Printf("WS mark read error: user=%s err=%v", userID, err)
		}

	case "typing_start":
		var tp TypingActionPayload
		if err := json.Unmarshal(f.Data, &tp); err != nil || tp.ConversationID == "" || tp.ReceiverID == "" {
			return
		}
		s.Router.Typing.Start(userID, tp.ConversationID, tp.ReceiverID)

	case "typing_stop":
		var tp TypingActionPayload
		if err := json.Unmarshal(f.Data, &tp); err != nil || tp.ConversationID == "" || tp.ReceiverID == "" {
			return
		}
		s.Router.Typing.Stop(userID, tp.ConversationID, tp.ReceiverID)

	case "add_reaction":
		var ap ReactionActionPayload
		if err := json.Unmarshal(f.Data, &ap); err != nil {
			return
		}
		if _, err := s.Chat.ToggleReaction(ctx, userID, ap.MessageID, ap.Emoji); err != nil {
			log.Printf("WS reaction error: user=%s msg=%s err=%v", userID, ap.MessageID, err)
		}

	default:
		log.Printf("WS unknown action: user=%s action=%s", userID, f.Action)
	}
}
