package http

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type RouterConfig struct {
	CORSOrigins []string
	JWTSecret   string
}

func NewRouter(h *Handler, cfg RouterConfig, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log), CORSMiddleware(cfg.CORSOrigins))
	h.Register(r, AuthMiddleware(cfg.JWTSecret, log))
	return r
}
