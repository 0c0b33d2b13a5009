// Package statusapi exposes a minimal read-only HTTP surface over the
// bookkeeping table: a health check and a per-job status lookup. Adapted
// from the teacher's gin router — trimmed to the two operations spec §6
// actually calls for; none of the mutating migration-control endpoints
// the teacher's dashboard exposed survive here.
package statusapi

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"s3xfer/internal/bookkeeping"
)

// Server holds what the handlers close over.
type Server struct {
	Bookkeeping *bookkeeping.Recorder
}

// NewRouter builds the gin engine: CORS wide open (this surface is
// read-only and carries no secrets), a health check, and the status
// lookup.
func NewRouter(s *Server) *gin.Engine {
	router := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{"*"}
	corsCfg.AllowMethods = []string{"GET", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	router.GET("/health", s.health)
	router.GET("/status/:srcBucket/*srcKey", s.status)

	return router
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) status(c *gin.Context) {
	srcBucket := c.Param("srcBucket")
	srcKey := c.Param("srcKey")
	if len(srcKey) > 0 && srcKey[0] == '/' {
		srcKey = srcKey[1:]
	}
	identity := srcBucket + "/" + srcKey

	rec, err := s.Bookkeeping.GetStatus(c.Request.Context(), identity)
	if err != nil {
		if errors.Is(err, bookkeeping.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no bookkeeping record for " + identity})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, rec)
}
