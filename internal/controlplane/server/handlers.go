package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/p2prelease/internal/domain"
	"github.com/betbot/p2prelease/internal/store"
)

const dateLayout = "2006-01-02"

type switchStatus struct {
	IsRunning bool `json:"isRunning"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: msg})
}

func (s *Server) handleSwitchStatus(c *gin.Context) {
	c.JSON(http.StatusOK, switchStatus{IsRunning: s.sw.IsRunning()})
}

func (s *Server) handleSwitchStart(c *gin.Context) {
	s.sw.Start()
	c.JSON(http.StatusOK, switchStatus{IsRunning: s.sw.IsRunning()})
}

func (s *Server) handleSwitchStop(c *gin.Context) {
	s.sw.Stop()
	c.JSON(http.StatusOK, switchStatus{IsRunning: s.sw.IsRunning()})
}

type reportQuery struct {
	tradeType domain.TradeType
	from      time.Time
	to        time.Time
}

// parseReportQuery reads tradeType, startDate and endDate. Dates are either YYYY-MM-DD,
// where endDate covers the whole day, or RFC3339 instants.
func (s *Server) parseReportQuery(c *gin.Context) (reportQuery, bool) {
	tradeType := strings.ToUpper(strings.TrimSpace(c.Query("tradeType")))
	startRaw := strings.TrimSpace(c.Query("startDate"))
	endRaw := strings.TrimSpace(c.Query("endDate"))
	if tradeType == "" || startRaw == "" || endRaw == "" {
		writeError(c, http.StatusBadRequest, "tradeType, startDate and endDate are required")
		return reportQuery{}, false
	}
	if tradeType != string(domain.TradeTypeBuy) && tradeType != string(domain.TradeTypeSell) {
		writeError(c, http.StatusBadRequest, "tradeType must be BUY or SELL")
		return reportQuery{}, false
	}
	from, err := s.parseDate(startRaw, false)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid startDate")
		return reportQuery{}, false
	}
	to, err := s.parseDate(endRaw, true)
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid endDate")
		return reportQuery{}, false
	}
	if to.Before(from) {
		writeError(c, http.StatusBadRequest, "endDate is before startDate")
		return reportQuery{}, false
	}
	return reportQuery{tradeType: domain.TradeType(tradeType), from: from, to: to}, true
}

func (s *Server) parseDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.ParseInLocation(dateLayout, raw, s.cfg.Location); err == nil {
		if endOfDay {
			t = t.Add(24*time.Hour - time.Millisecond)
		}
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func (s *Server) handleAveragePrice(c *gin.Context) {
	q, ok := s.parseReportQuery(c)
	if !ok {
		return
	}
	avg, err := store.AveragePrice(c.Request.Context(), s.reports, q.tradeType, q.from, q.to)
	if err != nil {
		s.log.WithError(err).Error("average price query failed")
		writeError(c, http.StatusInternalServerError, "average price query failed")
		return
	}
	c.JSON(http.StatusOK, avg)
}

func (s *Server) handleCompleted(c *gin.Context) {
	q, ok := s.parseReportQuery(c)
	if !ok {
		return
	}
	orders, err := s.reports.CompletedOrders(c.Request.Context(), q.tradeType, q.from, q.to)
	if err != nil {
		s.log.WithError(err).Error("completed orders query failed")
		writeError(c, http.StatusInternalServerError, "completed orders query failed")
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"data": orders, "count": len(orders)})
}
