package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	hierarchydomain "github.com/ledgerline/ledgerline/internal/hierarchy/domain"
)

func (s *Server) ListEntities(c *gin.Context) {
	levelCode := strings.TrimSpace(c.Query("level_code"))

	entities, err := s.hierarchySvc.List(c.Request.Context(), levelCode)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entities})
}

func (s *Server) CreateEntity(c *gin.Context) {
	var req hierarchydomain.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entity, err := s.hierarchySvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": entity})
}

func (s *Server) GetEntity(c *gin.Context) {
	entity, err := s.hierarchySvc.Validate(c.Request.Context(), c.Param("entity_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entity})
}

func (s *Server) UpdateEntity(c *gin.Context) {
	var req hierarchydomain.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entity, err := s.hierarchySvc.Update(c.Request.Context(), c.Param("entity_id"), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entity})
}

func (s *Server) DeleteEntity(c *gin.Context) {
	cascade := c.Query("cascade") == "true"

	if err := s.hierarchySvc.Delete(c.Request.Context(), c.Param("entity_id"), cascade); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// GetAttribution returns the fixed-width attribution block the ledger
// stamps onto cost records for this entity.
func (s *Server) GetAttribution(c *gin.Context) {
	attribution, err := s.hierarchySvc.Denormalize(c.Request.Context(), c.Param("entity_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attribution})
}
