package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/ledgerline/ledgerline/internal/ledger/domain"
)

type aggregateLedgerQuery struct {
	Start    string `form:"start"`
	End      string `form:"end"`
	Domain   string `form:"domain"`
	EntityID string `form:"entity_id"`
	GroupBy  string `form:"group_by"`
}

// AggregateLedger serves bucketed canonical ledger reads. Writes go
// through the pipeline merge only.
func (s *Server) AggregateLedger(c *gin.Context) {
	var query aggregateLedgerQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	start, err := time.Parse("2006-01-02", strings.TrimSpace(query.Start))
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidDateRange)
		return
	}
	end, err := time.Parse("2006-01-02", strings.TrimSpace(query.End))
	if err != nil {
		AbortWithError(c, ledgerdomain.ErrInvalidDateRange)
		return
	}

	rows, err := s.ledgerSvc.Aggregate(c.Request.Context(), ledgerdomain.AggregateRequest{
		Start:    start,
		End:      end,
		Domain:   strings.TrimSpace(query.Domain),
		EntityID: strings.TrimSpace(query.EntityID),
		GroupBy:  strings.TrimSpace(query.GroupBy),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows})
}
