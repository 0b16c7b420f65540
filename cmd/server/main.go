package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"go-chat/internal/auth"
	"go-chat/internal/cache"
	"go-chat/internal/config"
	"go-chat/internal/metrics"
	"go-chat/internal/mq"
	"go-chat/internal/ratelimit"
	"go-chat/internal/router"
	"go-chat/internal/services"
	"go-chat/internal/session"
	"go-chat/internal/store"
	"go-chat/internal/store/mongostore"
	"go-chat/internal/transport/ws"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := config.Load()

	cache.InitRedis(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if cfg.EnableMetrics {
		metrics.Init()
	}

	userDB := mustOpen(cfg.MySQLDSN)
	mongoDB, err := mongostore.Connect(cfg.MongoURI)
	if err != nil {
		panic(fmt.Sprintf("MongoDB connection failed: %v", err))
	}

	userStore := store.NewUserStore(userDB)
	convStore := store.NewConversationStore(mongoDB)
	msgStore := store.NewMessageStore(mongoDB)
	statusStore := store.NewStatusStore(mongoDB)

	// 事件审计流（可选）
	var producer *mq.EventProducer
	if cfg.KafkaBrokers != "" {
		p, err := mq.NewEventProducer(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			log.Printf("Kafka init failed, audit disabled: err=%v", err)
		} else {
			producer = p
			defer producer.Close()
		}
	}

	registry := session.NewRegistry()
	rt := router.New(registry, userStore, producer)

	chatSvc := services.NewChatService(convStore, msgStore, userStore, rt)
	statusSvc := services.NewStatusService(statusStore, userStore, rt)
	mediaSvc := services.NewMediaService(userDB, cfg.MediaDir, cfg.MediaBaseURL, int64(cfg.MediaMaxSizeMB)*1024*1024)

	var otpSender auth.OTPSender = auth.LogOTPSender{}
	otpTTL := time.Duration(cfg.OTPTTLMinutes) * time.Minute

	wsSrv := &ws.Server{
		JWTSecret: cfg.JWTSecret,
		Router:    rt,
		Chat:      chatSvc,
		Users:     userStore,
		SendQPS:   cfg.WSSendQPS,
		SendBurst: cfg.WSSendBurst,
		Limiter:   ratelimit.NewTokenBucketLimiter(cache.Client()),
	}

	r := gin.Default()
	// 健康/指标
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	if cfg.EnableMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
	// 媒体静态服务
	r.Static("/media", cfg.MediaDir)

	// WebSocket 接入
	r.GET("/ws", wsSrv.Handle)

	// 发送验证码：按邮箱建档（幂等）并下发 OTP
	r.POST("/api/auth/otp", func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.UpsertByEmail(c, req.Email)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		otp, err := auth.GenerateOTP(6)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		h, err := auth.HashOTP(otp)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if err := userStore.SetOTP(c, u.ID, h, time.Now().Add(otpTTL)); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		if err := otpSender.Send(req.Email, otp); err != nil {
			c.JSON(500, gin.H{"error": "otp delivery failed"})
			return
		}
		c.JSON(200, gin.H{"message": "otp sent"})
	})
	// 校验验证码并签发 JWT
	r.POST("/api/auth/verify", func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required"`
			OTP   string `json:"otp" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		u, err := userStore.GetByEmail(c, req.Email)
		if err != nil || u == nil {
			c.JSON(401, gin.H{"error": "invalid credentials"})
			return
		}
		hash, expiry, err := userStore.GetOTP(c, u.ID)
		if err != nil || hash == "" || expiry == nil || time.Now().After(*expiry) || !auth.CheckOTP(hash, req.OTP) {
			c.JSON(401, gin.H{"error": "invalid or expired otp"})
			return
		}
		if err := userStore.MarkVerified(c, u.ID); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		tok, err := auth.SignJWT(cfg.JWTSecret, u.ID, 7*24*time.Hour)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"token": tok, "userId": u.ID})
	})

	// 简易认证
	authn := func(c *gin.Context) (string, bool) {
		tok := c.GetHeader("Authorization")
		if len(tok) > 7 && tok[:7] == "Bearer " {
			tok = tok[7:]
		}
		cl, err := auth.ParseJWT(cfg.JWTSecret, tok)
		if err != nil {
			c.JSON(401, gin.H{"error": "unauthorized"})
			return "", false
		}
		return cl.UserID, true
	}

	// 当前用户
	r.GET("/api/users/me", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		u, err := userStore.GetByID(c, uid)
		if err != nil || u == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		u.IsOnline = rt.Online(uid)
		c.JSON(200, u)
	})
	// 更新资料
	r.PUT("/api/users/me", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct{ Username, About, AvatarURL string }
		if err := c.BindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		if err := userStore.UpdateProfile(c, uid, req.Username, req.About, req.AvatarURL); err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	// 用户目录（发起新会话用），不含请求者本人
	r.GET("/api/users", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		users, err := userStore.List(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		for _, u := range users {
			u.IsOnline = rt.Online(u.ID)
		}
		c.JSON(200, gin.H{"users": users})
	})
	// 查询任一用户（含实时在线位）
	r.GET("/api/users/:id", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		u, err := userStore.GetByID(c, c.Param("id"))
		if err != nil || u == nil {
			c.JSON(404, gin.H{"error": "not found"})
			return
		}
		u.IsOnline = rt.Online(u.ID)
		c.JSON(200, u)
	})

	// 会话列表
	r.GET("/api/conversations", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		convs, err := chatSvc.Conversations(c, uid)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"conversations": convs})
	})
	// 拉取会话消息（同时清零未读并标记已读，通知各发送方）
	r.GET("/api/conversations/:id/messages", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		msgs, err := chatSvc.Messages(c, uid, c.Param("id"))
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"messages": msgs})
	})

	// 发消息（multipart，可带媒体文件）
	r.POST("/api/messages", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		receiverID := c.PostForm("receiverId")
		content := c.PostForm("content")
		var media *services.MediaRef
		if fh, err := c.FormFile("file"); err == nil && fh != nil {
			m, err := mediaSvc.Save(c, uid, fh)
			if err != nil {
				c.JSON(httpStatus(err), gin.H{"error": err.Error()})
				return
			}
			media = m
		}
		msg, err := chatSvc.SendMessage(c, uid, receiverID, content, media)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, msg)
	})
	// 批量标记已读
	r.POST("/api/messages/read", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			MessageIDs []string `json:"messageIds" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		affected, err := chatSvc.MarkRead(c, uid, req.MessageIDs)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"updated": len(affected)})
	})
	// 删除消息（仅发送方）
	r.DELETE("/api/messages/:id", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if err := chatSvc.DeleteMessage(c, uid, c.Param("id")); err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	// 表情回应（同表情再点为取消）
	r.POST("/api/messages/:id/reactions", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		var req struct {
			Emoji string `json:"emoji" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, gin.H{"error": err.Error()})
			return
		}
		msg, err := chatSvc.ToggleReaction(c, uid, c.Param("id"), req.Emoji)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, msg)
	})

	// 动态列表（未过期）
	r.GET("/api/statuses", func(c *gin.Context) {
		if _, ok := authn(c); !ok {
			return
		}
		sts, err := statusSvc.List(c)
		if err != nil {
			c.JSON(500, gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, gin.H{"statuses": sts})
	})
	// 发布动态（multipart，文本或媒体）
	r.POST("/api/statuses", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		content := c.PostForm("content")
		var media *services.MediaRef
		if fh, err := c.FormFile("file"); err == nil && fh != nil {
			m, err := mediaSvc.Save(c, uid, fh)
			if err != nil {
				c.JSON(httpStatus(err), gin.H{"error": err.Error()})
				return
			}
			media = m
		}
		st, err := statusSvc.Create(c, uid, content, media)
		if err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(200, st)
	})
	// 记录浏览（作者自浏不计）
	r.POST("/api/statuses/:id/view", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if err := statusSvc.View(c, uid, c.Param("id")); err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})
	// 删除动态（仅作者）
	r.DELETE("/api/statuses/:id", func(c *gin.Context) {
		uid, ok := authn(c)
		if !ok {
			return
		}
		if err := statusSvc.Delete(c, uid, c.Param("id")); err != nil {
			c.JSON(httpStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(204)
	})

	log.Printf("Server listening: addr=%s", cfg.ListenAddr)
	_ = r.Run(cfg.ListenAddr)
}

// httpStatus 将服务层哨兵错误映射为 HTTP 状态码。
func httpStatus(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnsupportedMedia):
		return http.StatusUnsupportedMediaType
	default:
		return http.StatusInternalServerError
	}
}

func mustOpen(dsn string) *sql.DB {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = db.PingContext(ctx)
	return db
}
