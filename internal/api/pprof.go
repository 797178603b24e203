package api

import (
	"net"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gin-gonic/gin"

	logx "cronbridge/pkg/logx"
)

func (s *Server) mountPprof(g *gin.RouterGroup) {
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		s.log.Warn("pprof exposed on a non-loopback address without a token", logx.String("addr", s.cfg.Addr))
	}
	g.GET("/", gin.WrapF(hpprof.Index))
	g.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
	g.GET("/profile", gin.WrapF(hpprof.Profile))
	g.GET("/symbol", gin.WrapF(hpprof.Symbol))
	g.POST("/symbol", gin.WrapF(hpprof.Symbol))
	g.GET("/trace", gin.WrapF(hpprof.Trace))
	// Named profiles (heap, goroutine, ...) are served by Index.
	g.GET("/:profile", gin.WrapF(hpprof.Index))
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
