package api

import (
	"io"
	"net/http"
	"time"

	"repricer/internal/core"

	"github.com/gin-gonic/gin"
)

const maxNotificationBytes = 1 << 20

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if s.deps.Health != nil {
		body["components"] = s.deps.Health.GetStatus()
		if !s.deps.Health.IsHealthy() {
			body["status"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleNotification(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	result, err := s.deps.Handler.Handle(c.Request.Context(), data, time.Now().UTC())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func recordKey(c *gin.Context) core.RecordKey {
	return core.RecordKey{ASIN: c.Param("asin"), MarketplaceID: c.Param("marketplace")}
}

func (s *Server) handleGetRecord(c *gin.Context) {
	rec, err := s.deps.Store.Get(c.Request.Context(), recordKey(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type previewRequest struct {
	Offers []core.CompetitorOffer `json:"offers"`
}

func (s *Server) handlePreview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision, err := s.deps.Previewer.Preview(c.Request.Context(), core.OfferSnapshot{
		Key:        recordKey(c),
		Offers:     req.Offers,
		ObservedAt: time.Now().UTC(),
		Source:     "preview",
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.deps.Reconciler.TriggerManual(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReconcileStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Reconciler.GetStatus())
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Jobs.Status())
}

func (s *Server) handleRunJob(c *gin.Context) {
	name := c.Param("name")
	if err := s.deps.Jobs.RunNow(c.Request.Context(), name); err != nil {
		c.JSON(http.StatusConflict, gin.H{"job": name, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "status": "completed"})
}
