package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	vaultdomain "github.com/ledgerline/ledgerline/internal/vault/domain"
)

// StoreCredential stores or rotates a provider credential. The
// response carries only the masked tail of the plaintext.
func (s *Server) StoreCredential(c *gin.Context) {
	var req vaultdomain.StoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.vaultSvc.Store(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) RevokeCredential(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	if err := s.vaultSvc.Revoke(c.Request.Context(), provider); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked", "provider": provider})
}

// PurgeCredentials hard-deletes every credential for the tenant.
// Tenant offboarding only.
func (s *Server) PurgeCredentials(c *gin.Context) {
	deleted, err := s.vaultSvc.Purge(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
