// Package web 提供只读查询与少量管理操作的 HTTP 接口
package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"posguard/cache"
	"posguard/config"
	"posguard/journal"
	"posguard/reconcile"
)

const tokenTTL = 24 * time.Hour

// Server Web 管理服务
// 查询接口开放；触发对账/平仓等写操作要求 JWT。
type Server struct {
	cfg     config.WebConfig
	engine  *reconcile.Engine
	cache   *cache.Cache
	journal *journal.Journal
	// lastReport 由交易会话注入，返回最近一轮对账报告
	lastReport func() *reconcile.SyncReport

	logger zerolog.Logger
	http   *http.Server
}

// NewServer 创建服务
func NewServer(cfg config.WebConfig, engine *reconcile.Engine, c *cache.Cache,
	j *journal.Journal, lastReport func() *reconcile.SyncReport) *Server {
	return &Server{
		cfg:        cfg,
		engine:     engine,
		cache:      c,
		journal:    j,
		lastReport: lastReport,
		logger:     zerolog.New(os.Stdout).With().Timestamp().Str("component", "web").Logger(),
	}
}

// Start 启动 HTTP 服务（非阻塞）
func (s *Server) Start() {
	s.http = &http.Server{Addr: s.cfg.Listen, Handler: s.router()}
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("Web 服务已启动")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Web 服务异常退出")
		}
	}()
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	api := r.Group("/api")
	{
		api.POST("/login", s.handleLogin)
		api.GET("/positions", s.handlePositions)
		api.GET("/report", s.handleReport)
		api.GET("/cache/stats", s.handleCacheStats)
		api.GET("/journal", s.handleJournal)

		protected := api.Group("")
		protected.Use(s.requireAuth())
		protected.POST("/sync", s.handleSync)
		protected.POST("/close/:symbol", s.handleClose)
	}
	return r
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) {
	if s.http == nil {
		return
	}
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Web 服务停机超时")
	}
}

// requestLogger zerolog 请求日志中间件
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// requireAuth 写操作鉴权；未配置 JWT 密钥时直接拒绝写操作
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.JWTSecret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "未配置 JWT 密钥, 写操作已禁用"})
			return
		}

		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "缺少 Bearer Token"})
			return
		}

		token, err := jwt.Parse(auth[len(prefix):], func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("非预期的签名算法: %v", t.Header["alg"])
			}
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token 无效或已过期"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效"})
		return
	}
	if s.cfg.Password == "" || s.cfg.JWTSecret == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "登录未启用"})
		return
	}
	if req.Password != s.cfg.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "密码错误"})
		return
	}

	claims := jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(tokenTTL).Unix(),
		"iat": time.Now().Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "签发 Token 失败"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (s *Server) handlePositions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"positions": s.engine.Snapshot()})
}

func (s *Server) handleReport(c *gin.Context) {
	var report *reconcile.SyncReport
	if s.lastReport != nil {
		report = s.lastReport()
	}
	if report == nil {
		report = &reconcile.SyncReport{}
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *Server) handleJournal(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": entries})
}

func (s *Server) handleSync(c *gin.Context) {
	report := s.engine.FullSync()
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleClose(c *gin.Context) {
	symbol := c.Param("symbol")
	if err := s.engine.ClosePosition(symbol, "手动平仓"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.engine.ArchiveClosed(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": symbol})
}
