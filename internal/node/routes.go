package node

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/linkctl/internal/peer"
)

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.ID,
			"version": Version,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/shards", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"shards": s.registry.Statuses()})
	})

	r.GET("/peers", func(c *gin.Context) {
		list := s.peers.List()
		out := make([]peer.Status, 0, len(list))
		for _, p := range list {
			out = append(out, p.Status())
		}
		c.JSON(http.StatusOK, gin.H{"peers": out})
	})

	r.GET("/links", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.connStatuses()})
	})

	r.GET("/link", s.serveLink)
}
