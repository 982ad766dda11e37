package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aristath/elisa/internal/orchestrator"
)

func (s *Server) getState(c *gin.Context) {
	st := s.cfg.State
	c.JSON(http.StatusOK, gin.H{
		"build_id":  st.BuildID,
		"goal":      st.Goal,
		"tasks":     st.Tasks(),
		"agents":    st.Agents(),
		"completed": st.CompletedCount(),
		"total":     st.TotalTasks(),
	})
}

// listTasks prefers the store, which also holds tasks of earlier builds
// sharing the database.
func (s *Server) listTasks(c *gin.Context) {
	if s.cfg.Store == nil {
		c.JSON(http.StatusOK, s.cfg.State.Tasks())
		return
	}
	tasks, err := s.cfg.Store.ListTasks(c.Request.Context())
	if err != nil {
		s.logger.Error("listing tasks", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) listCommits(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.State.Commits())
}

func (s *Server) getTokens(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.State.Tracker.Snapshot())
}

func (s *Server) getGate(c *gin.Context) {
	taskID, ok := s.cfg.State.Gate.Pending()
	c.JSON(http.StatusOK, gin.H{"pending": ok, "task_id": taskID})
}

func (s *Server) resolveGate(c *gin.Context) {
	var d orchestrator.GateDecision
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.State.Gate.Resolve(d); err != nil {
		if errors.Is(err, orchestrator.ErrNoPendingGate) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func (s *Server) listQuestions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.cfg.State.Questions.Pending()})
}

// answerQuestion forwards the request body unchanged to the waiting agent.
func (s *Server) answerQuestion(c *gin.Context) {
	var answer map[string]any
	if err := c.ShouldBindJSON(&answer); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.State.Questions.Resolve(c.Param("taskId"), answer); err != nil {
		if errors.Is(err, orchestrator.ErrNoPendingQuestion) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "answered"})
}
