package message

import (
	"errors"
	"net/http"
	"strconv"

	"PPGate/logger"
	"PPGate/middleware"
	"PPGate/middleware/security"
	"PPGate/service/chat"
	"PPGate/tools/errs"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// History 断线补拉接口，按 seq 升序返回 after 之后的消息
type History struct {
	store   chat.Persistence
	members chat.Membership
	log     *zap.Logger
}

func NewHistory(store chat.Persistence, members chat.Membership) *History {
	return &History{store: store, members: members, log: logger.Named("history")}
}

// Register 挂到 /api/messages 下，auth 负责写入用户标识
func (h *History) Register(r gin.IRouter, auth gin.HandlerFunc) {
	g := r.Group("/api/messages")
	opt := middleware.RouteOpt{Auth: auth}
	middleware.GET(g, "/direct/:peer", h.handle(h.Direct), opt)
	middleware.GET(g, "/channel/:id", h.handle(h.Channel), opt)
}

type page struct {
	Items     []*chat.Message `json:"items"`
	NextAfter int64           `json:"next_after"`
}

// Direct GET /api/messages/direct/:peer?after=&limit=
func (h *History) Direct(c *gin.Context) error {
	me := security.UserID(c)
	peer := c.Param("peer")
	if peer == "" || peer == me {
		return errs.ErrArgs.WrapMsg("bad peer", "peer", peer)
	}
	return h.fetch(c, chat.DMKey(me, peer))
}

// Channel GET /api/messages/channel/:id?after=&limit=，非成员 403
func (h *History) Channel(c *gin.Context) error {
	me := security.UserID(c)
	id := c.Param("id")
	members, err := h.members.MembersOf(c.Request.Context(), id)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == me {
			return h.fetch(c, chat.ChannelKey(id))
		}
	}
	return errs.ErrNoPermission.WrapMsg("not a channel member", "channel", id, "user", me)
}

func (h *History) fetch(c *gin.Context, conv string) error {
	after, err := queryInt(c, "after", 0)
	if err != nil || after < 0 {
		return errs.ErrArgs.WrapMsg("bad after", "after", c.Query("after"))
	}
	limit, err := queryInt(c, "limit", DefaultLimit)
	if err != nil {
		return errs.ErrArgs.WrapMsg("bad limit", "limit", c.Query("limit"))
	}
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	items, err := h.store.FetchSince(c.Request.Context(), conv, after, int(limit))
	if err != nil {
		return err
	}
	if items == nil {
		items = []*chat.Message{}
	}
	next := after
	if n := len(items); n > 0 {
		next = items[n-1].Seq
	}
	c.JSON(http.StatusOK, page{Items: items, NextAfter: next})
	return nil
}

func queryInt(c *gin.Context, key string, def int64) (int64, error) {
	s := c.Query(key)
	if s == "" {
		return def, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// handle 错误码映射到 HTTP 状态
func (h *History) handle(fn func(c *gin.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := fn(c)
		if err == nil {
			return
		}
		status := statusOf(err)
		if status >= http.StatusInternalServerError {
			h.log.Error("history fetch failed", zap.String("path", c.FullPath()), zap.Error(err))
		}
		var ce *errs.CodeError
		if !errors.As(err, &ce) {
			ce = errs.ErrInternalServer
		}
		c.AbortWithStatusJSON(status, ce)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errs.ErrArgs):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrNoPermission):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrUnknownChannel):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
