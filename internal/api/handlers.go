package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"cronbridge/internal/schedule"
	"cronbridge/internal/task/scheduler"
	logx "cronbridge/pkg/logx"
)

const maxExecutions = 500

func (s *Server) health(c *gin.Context) {
	data := gin.H{"status": "ok"}
	if s.inspect != nil {
		snap := s.inspect.Snapshot()
		data["scheduler_enabled"] = snap.Enabled
		data["scheduler_running"] = snap.Running
	}
	c.JSON(http.StatusOK, response{Success: true, Data: data})
}

func (s *Server) createSchedule(c *gin.Context) {
	var req schedule.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response{Error: "invalid request: " + err.Error()})
		return
	}
	if err := s.bridge.Schedule(c.Request.Context(), req); err != nil {
		status := statusFor(err)
		if status >= 500 {
			s.log.Error("schedule failed", logx.String("schedule", req.Name), logx.Err(err))
		}
		c.JSON(status, response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusCreated, response{Success: true, Data: gin.H{"scheduleName": req.Name}})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	name := c.Param("name")
	if err := s.bridge.Unschedule(c.Request.Context(), name); err != nil {
		s.log.Error("unschedule failed", logx.String("schedule", name), logx.Err(err))
		c.JSON(http.StatusInternalServerError, response{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listSchedules(c *gin.Context) {
	if s.inspect != nil && !s.inspect.Enabled() {
		c.JSON(http.StatusOK, response{Success: true, Data: []schedule.Info{}})
		return
	}
	var infos []schedule.Info
	if task, ok := c.GetQuery("taskDefinitionName"); ok {
		infos = s.bridge.ListByTask(c.Request.Context(), task)
	} else {
		infos = s.bridge.List(c.Request.Context())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ScheduleName < infos[j].ScheduleName })
	c.JSON(http.StatusOK, response{Success: true, Data: infos})
}

func (s *Server) listExecutions(c *gin.Context) {
	if s.inspect == nil {
		c.JSON(http.StatusNotFound, response{Error: "history unavailable"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, response{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxExecutions)
	}
	recs, err := s.inspect.Executions(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: recs})
}

func (s *Server) debugScheduler(c *gin.Context) {
	if s.inspect == nil {
		c.JSON(http.StatusNotFound, response{Error: "scheduler unavailable"})
		return
	}
	c.JSON(http.StatusOK, response{Success: true, Data: s.inspect.Snapshot()})
}

// statusFor maps bridge errors to HTTP status codes.
func statusFor(err error) int {
	var mc *schedule.MissingCronError
	switch {
	case errors.As(err, &mc),
		errors.Is(err, schedule.ErrInvalidRequest),
		errors.Is(err, scheduler.ErrInvalidTrigger):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrJobExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
