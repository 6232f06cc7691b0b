package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"stackvm/internal/engine"
	"stackvm/internal/store"
	"stackvm/internal/store/difftext"
	"stackvm/internal/tools"
	"stackvm/internal/verrors"
	"stackvm/internal/vm"
)

// abortError renders the uniform error envelope: the structured error record
// under an "error" key, with the HTTP status derived from its kind.
func (s *Server) abortError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case store.IsLocked(err):
		status = http.StatusConflict
	case verrors.KindOf(err) == verrors.KindValidation:
		status = http.StatusBadRequest
	case verrors.KindOf(err) == verrors.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	c.AbortWithStatusJSON(status, gin.H{"error": verrors.AsError(err)})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createTaskRequest struct {
	Goal           string            `json:"goal" binding:"required"`
	Namespace      string            `json:"namespace"`
	ResponseFormat map[string]string `json:"response_format"`
	Labels         []string          `json:"labels"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, verrors.New(verrors.KindValidation, "invalid request body: %v", err))
		return
	}
	task, err := s.engine.StartTask(c.Request.Context(), engine.StartRequest{
		Goal:           req.Goal,
		Namespace:      req.Namespace,
		ResponseFormat: req.ResponseFormat,
		Labels:         req.Labels,
	})
	if err != nil {
		s.abortError(c, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(task.ID); err != nil {
			s.logger.Warn("task %s created but not enqueued: %v", task.ID, err)
		}
	}
	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID, "branch": task.ActiveBranch})
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	tasks, err := s.store.ListTasks(c.Request.Context(), limit, offset)
	if err != nil {
		s.abortError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "limit": limit, "offset": offset})
}

func (s *Server) handleListBranches(c *gin.Context) {
	branches, err := s.store.ListBranches(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches})
}

func (s *Server) handleBranchDetails(c *gin.Context) {
	commits, err := s.store.ListCommits(c.Request.Context(), c.Param("id"), c.Param("branch"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	if commits == nil {
		commits = []*store.Commit{}
	}
	c.JSON(http.StatusOK, gin.H{"commits": commits})
}

func (s *Server) handleDeleteBranch(c *gin.Context) {
	if err := s.store.DeleteBranch(c.Request.Context(), c.Param("id"), c.Param("branch")); err != nil {
		s.abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCommitDetail(c *gin.Context) {
	commit, err := s.store.GetCommit(c.Request.Context(), c.Param("id"), c.Param("hash"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, commit)
}

func (s *Server) handleCommitDiff(c *gin.Context) {
	ctx := c.Request.Context()
	commit, err := s.store.GetCommit(ctx, c.Param("id"), c.Param("hash"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	diff := commit.Details.Diff
	if diff == "" && commit.ParentHash != "" {
		// Older commits may predate stored diffs; recompute against the parent.
		parent, err := s.store.GetCommit(ctx, c.Param("id"), commit.ParentHash)
		if err == nil && parent.Snapshot != nil && commit.Snapshot != nil {
			before, beforeErr := vm.CanonicalJSON(parent.Snapshot)
			after, afterErr := vm.CanonicalJSON(commit.Snapshot)
			if beforeErr == nil && afterErr == nil {
				diff = difftext.Lines(string(before)+"\n", string(after)+"\n")
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{"commit_hash": commit.Hash, "diff": diff})
}

type setBranchRequest struct {
	Branch string `json:"branch" binding:"required"`
}

func (s *Server) handleSetBranch(c *gin.Context) {
	var req setBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, verrors.New(verrors.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.store.SetActiveBranch(c.Request.Context(), c.Param("id"), req.Branch); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "active_branch": req.Branch})
}

type dynamicUpdateRequest struct {
	CommitHash string `json:"commit_hash"`
	Suggestion string `json:"suggestion" binding:"required"`
}

func (s *Server) handleDynamicUpdate(c *gin.Context) {
	var req dynamicUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, verrors.New(verrors.KindValidation, "invalid request body: %v", err))
		return
	}
	taskID := c.Param("id")
	branch, err := s.engine.DynamicUpdate(c.Request.Context(), engine.UpdateRequest{
		TaskID:     taskID,
		CommitHash: req.CommitHash,
		Suggestion: req.Suggestion,
	})
	if err != nil {
		s.abortError(c, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(taskID); err != nil {
			s.logger.Warn("task %s updated but not enqueued: %v", taskID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "branch": branch})
}

type optimizeStepRequest struct {
	CommitHash string `json:"commit_hash"`
	SeqNo      *int   `json:"seq_no" binding:"required"`
	Suggestion string `json:"suggestion" binding:"required"`
}

func (s *Server) handleOptimizeStep(c *gin.Context) {
	var req optimizeStepRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, verrors.New(verrors.KindValidation, "invalid request body: %v", err))
		return
	}
	taskID := c.Param("id")
	branch, err := s.engine.OptimizeStep(c.Request.Context(), engine.OptimizeRequest{
		TaskID:     taskID,
		CommitHash: req.CommitHash,
		SeqNo:      *req.SeqNo,
		Suggestion: req.Suggestion,
	})
	if err != nil {
		s.abortError(c, err)
		return
	}
	if s.queue != nil {
		if err := s.queue.Enqueue(taskID); err != nil {
			s.logger.Warn("task %s optimized but not enqueued: %v", taskID, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "branch": branch})
}

func (s *Server) handleListLabels(c *gin.Context) {
	labels, err := s.store.ListLabels(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	if labels == nil {
		labels = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"labels": labels})
}

type addLabelRequest struct {
	Label string `json:"label" binding:"required"`
}

func (s *Server) handleAddLabel(c *gin.Context) {
	var req addLabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.abortError(c, verrors.New(verrors.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.store.AddLabel(c.Request.Context(), c.Param("id"), req.Label); err != nil {
		s.abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListNamespaces(c *gin.Context) {
	namespaces, err := s.store.ListNamespaces(c.Request.Context())
	if err != nil {
		s.abortError(c, err)
		return
	}
	if namespaces == nil {
		namespaces = []*tools.Namespace{}
	}
	c.JSON(http.StatusOK, gin.H{"namespaces": namespaces})
}

func (s *Server) handleSaveNamespace(c *gin.Context) {
	var ns tools.Namespace
	if err := c.ShouldBindJSON(&ns); err != nil {
		s.abortError(c, verrors.New(verrors.KindValidation, "invalid request body: %v", err))
		return
	}
	if err := s.store.SaveNamespace(c.Request.Context(), &ns); err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, ns)
}

func (s *Server) handleGetNamespace(c *gin.Context) {
	ns, err := s.store.GetNamespace(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.abortError(c, err)
		return
	}
	c.JSON(http.StatusOK, ns)
}

func (s *Server) handleDeleteNamespace(c *gin.Context) {
	if err := s.store.DeleteNamespace(c.Request.Context(), c.Param("name")); err != nil {
		s.abortError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
