package status

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/tavern-irc/internal/service/dispatch"
)

// Reporter exposes the bot state.
type Reporter interface {
	Status() dispatch.Status
}

// Handler 运维状态的HTTP处理器
type Handler struct {
	reporter Reporter
}

// New 创建状态处理器
func New(reporter Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// RegisterRoutes 注册状态相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Get("/status", h.handleStatus)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus 返回当前模型、人格与会话统计
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		writeProblem(w, http.StatusServiceUnavailable, "bot not running")
		return
	}
	writeJSON(w, http.StatusOK, h.reporter.Status())
}
