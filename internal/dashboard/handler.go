// handler.go: Dashboard REST API handlers。
package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/multi-agent/convsync/internal/conversation"
	"github.com/multi-agent/convsync/internal/custom"
	"github.com/multi-agent/convsync/internal/store"
	"github.com/multi-agent/convsync/pkg/logger"
	"github.com/multi-agent/convsync/pkg/util"
)

// registerRoutes 注册 API 路由。
func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	s.router.GET("/metrics", s.metricsHandler())

	api := s.router.Group("/api")

	api.GET("/runs", s.listRuns)

	api.GET("/threads", s.listThreads)
	api.POST("/threads", s.openThread)

	th := api.Group("/threads/:id")
	th.GET("", s.getThread)
	th.GET("/events", s.sseHandler)
	th.GET("/raw", s.rawTail)
	th.GET("/custom/:kind", s.listCustom)
	th.GET("/toolcalls/:tc", s.toolCallEvents)
	th.GET("/messages/:mid/subagents", s.messageSubagents)

	th.POST("/messages", s.submit)
	th.POST("/edit", s.edit)
	th.POST("/regenerate", s.regenerate)
	th.POST("/interrupt", s.respond)
	th.POST("/cancel", s.cancel)
	th.POST("/branch", s.selectBranch)
	th.POST("/resume", s.resume)
}

// ========================================
// 辅助
// ========================================

func queryLimit(c *gin.Context, def int) int {
	v, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if v < 1 {
		return def
	}
	return util.ClampInt(v, 1, 2000)
}

// thread 查找已打开线程, 不存在时写 404 并返回 false。
func (s *Server) thread(c *gin.Context) (*conversation.Thread, bool) {
	th, ok := s.hub.Get(c.Param("id"))
	if !ok {
		notFound(c, "thread not open: "+c.Param("id"))
		return nil, false
	}
	s.Watch(th)
	return th, true
}

// ========================================
// 查询
// ========================================

func (s *Server) listRuns(c *gin.Context) {
	if s.opts.Runs == nil {
		success(c, []store.ThreadRun{})
		return
	}
	runs, err := s.opts.Runs.List(c.Request.Context())
	if err != nil {
		serverError(c, err)
		return
	}
	if limit := queryLimit(c, 100); len(runs) > limit {
		runs = runs[:limit]
	}
	success(c, runs)
}

type threadSummary struct {
	ThreadID string              `json:"threadId"`
	RunID    string              `json:"runId,omitempty"`
	Status   conversation.Status `json:"status"`
	Messages int                 `json:"messages"`
	Version  uint64              `json:"version"`
}

func (s *Server) listThreads(c *gin.Context) {
	ids := s.hub.IDs()
	out := make([]threadSummary, 0, len(ids))
	for _, id := range ids {
		th, ok := s.hub.Get(id)
		if !ok {
			continue
		}
		st := th.Snapshot()
		out = append(out, threadSummary{
			ThreadID: st.ThreadID,
			RunID:    st.RunID,
			Status:   st.Status,
			Messages: len(st.Messages),
			Version:  st.Version,
		})
	}
	success(c, out)
}

func (s *Server) getThread(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	success(c, th.Snapshot())
}

func (s *Server) rawTail(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	c.Data(http.StatusOK, "text/plain; charset=utf-8", th.RawTail())
}

func (s *Server) listCustom(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	kind := custom.Kind(c.Param("kind"))
	switch kind {
	case custom.KindProgress, custom.KindStatus, custom.KindFileOperation:
	default:
		badRequest(c, "invalid_kind", "kind must be progress, status or file_operation")
		return
	}
	entries := th.CustomEvents(kind)
	if entries == nil {
		entries = []custom.Entry{}
	}
	success(c, entries)
}

func (s *Server) toolCallEvents(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	success(c, th.ToolCallEvents(c.Param("tc")))
}

func (s *Server) messageSubagents(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	success(c, th.SubagentsForMessage(c.Param("mid")))
}

// ========================================
// 控制
// ========================================

type openRequest struct {
	ThreadID string `json:"threadId"`
	Resume   bool   `json:"resume"`
}

// openThread 打开线程; resume=true 时尝试重新加入持久化的活跃 run。
func (s *Server) openThread(c *gin.Context) {
	var req openRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_json", err.Error())
			return
		}
	}
	th := s.hub.Open(c.Request.Context(), req.ThreadID)
	s.Watch(th)
	if req.Resume {
		if err := th.Resume(c.Request.Context()); err != nil {
			// resume 失败不影响线程可用
			logger.Warn("dashboard: resume on open failed", logger.FieldThreadID, th.ID(), logger.FieldError, err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": th.Snapshot()})
}

type submitRequest struct {
	Content          string         `json:"content"`
	ParentCheckpoint *string        `json:"parentCheckpoint"`
	Config           map[string]any `json:"config"`
}

func (s *Server) submit(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", err.Error())
		return
	}
	err := th.Submit(c.Request.Context(), req.Content, conversation.SubmitOptions{
		ParentCheckpoint: req.ParentCheckpoint,
		Config:           req.Config,
	})
	s.afterControl(c, th, err)
}

type editRequest struct {
	MessageID string `json:"messageId" binding:"required"`
	Content   string `json:"content"`
}

func (s *Server) edit(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", err.Error())
		return
	}
	s.afterControl(c, th, th.Edit(c.Request.Context(), req.MessageID, req.Content))
}

type regenerateRequest struct {
	MessageID string `json:"messageId" binding:"required"`
}

func (s *Server) regenerate(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", err.Error())
		return
	}
	s.afterControl(c, th, th.Regenerate(c.Request.Context(), req.MessageID))
}

type respondRequest struct {
	Decisions []conversation.Decision `json:"decisions"`
}

func (s *Server) respond(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", err.Error())
		return
	}
	s.afterControl(c, th, th.Respond(c.Request.Context(), req.Decisions))
}

func (s *Server) cancel(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	if err := th.Cancel(c.Request.Context()); err != nil {
		failure(c, err)
		return
	}
	success(c, th.Snapshot())
}

type branchRequest struct {
	CheckpointID string `json:"checkpointId"`
}

func (s *Server) selectBranch(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	var req branchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_json", err.Error())
		return
	}
	if err := th.SelectBranch(req.CheckpointID); err != nil {
		failure(c, err)
		return
	}
	success(c, th.Snapshot())
}

func (s *Server) resume(c *gin.Context) {
	th, ok := s.thread(c)
	if !ok {
		return
	}
	s.afterControl(c, th, th.Resume(c.Request.Context()))
}

// afterControl 启动 run 的操作: 成功返回 202 + 当前快照。
func (s *Server) afterControl(c *gin.Context, th *conversation.Thread, err error) {
	if err != nil {
		failure(c, err)
		return
	}
	accepted(c, th.Snapshot())
}
