package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pixfind/pixfind/internal/domain"
)

func (s *RESTServer) handleRetryQueueStats(c *gin.Context) {
	stats, err := s.queue.Stats()
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pending_embeds":          stats.Embeds[domain.RetryStatusPending],
		"pending_index_deletions": stats.Deletions[domain.RetryStatusPending],
		"failed_embeds":           stats.Embeds[domain.RetryStatusFailed],
		"failed_index_deletions":  stats.Deletions[domain.RetryStatusFailed],
		"queue_depth":             s.dispatcher.QueueDepth(),
	})
}

func (s *RESTServer) handleTriggerEmbedRetry(c *gin.Context) {
	processed, succeeded, err := s.scheduler.RunEmbedRetries(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   "embed retry run complete",
		"processed": processed,
		"succeeded": succeeded,
	})
}

func (s *RESTServer) handleTriggerDeletionRetry(c *gin.Context) {
	processed, succeeded, err := s.scheduler.RunDeletionRetries(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   "index deletion retry run complete",
		"processed": processed,
		"succeeded": succeeded,
	})
}

func (s *RESTServer) handleBreakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.AllStats()})
}

func (s *RESTServer) handleBreakerReset(c *gin.Context) {
	s.breakers.ResetAll()
	c.JSON(http.StatusOK, gin.H{"message": "all breakers reset"})
}
