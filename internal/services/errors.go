// Package services 实现业务服务：消息生命周期与会话编排、动态的发布/浏览、
// 媒体落盘。所有"先持久化后通知"的顺序约束都在本层保证。
package services

import "errors"

// 错误分类（见 HTTP 层的状态码映射）。瞬态失败直接上抛给发起请求方，
// 本子系统不做任何自动重试。
var (
	ErrNotFound         = errors.New("not found")
	ErrNotAuthorized    = errors.New("not authorized")
	ErrValidation       = errors.New("validation failed")
	ErrUnsupportedMedia = errors.New("unsupported media format")
)
