package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	pipelinedomain "github.com/ledgerline/ledgerline/internal/pipeline/domain"
)

type triggerPipelineRequest struct {
	Domain       string `json:"domain"`
	Start        string `json:"start,omitempty"`
	End          string `json:"end,omitempty"`
	CredentialID string `json:"credential_id,omitempty"`
}

// TriggerPipeline runs a (tenant, domain) pipeline to its terminal
// state. The response is the run view either way; a failed run carries
// its sanitized error.
func (s *Server) TriggerPipeline(c *gin.Context) {
	var body triggerPipelineRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	req := pipelinedomain.TriggerRequest{Domain: strings.TrimSpace(body.Domain)}

	start, err := parseOptionalDate(body.Start)
	if err != nil {
		AbortWithError(c, pipelinedomain.ErrInvalidDateRange)
		return
	}
	req.Start = start

	end, err := parseOptionalDate(body.End)
	if err != nil {
		AbortWithError(c, pipelinedomain.ErrInvalidDateRange)
		return
	}
	req.End = end

	if raw := strings.TrimSpace(body.CredentialID); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		credentialID := snowflake.ID(parsed)
		req.CredentialID = &credentialID
	}

	run, err := s.pipelineSvc.Trigger(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) GetPipelineRun(c *gin.Context) {
	run, err := s.pipelineSvc.Status(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) ListPipelineRuns(c *gin.Context) {
	domain := strings.TrimSpace(c.Query("domain"))

	limit := 50
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	runs, err := s.pipelineSvc.List(c.Request.Context(), domain, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": runs})
}

func parseOptionalDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
