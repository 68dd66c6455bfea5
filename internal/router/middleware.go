package router

import (
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/config"
	"github.com/dujiao-next/transaction/internal/http/response"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDKey = "request_id"
const requestIDHeader = "X-Request-ID"
const operatorContextKey = "operator"

// CORSMiddleware 跨域中间件
func CORSMiddleware(cfg config.CORSConfig) gin.HandlerFunc {
	return cors.New(buildCORSConfig(cfg))
}

func buildCORSConfig(cfg config.CORSConfig) cors.Config {
	corsCfg := cors.Config{
		AllowMethods:     cfg.AllowedMethods,
		AllowHeaders:     cfg.AllowedHeaders,
		ExposeHeaders:    []string{requestIDHeader},
		AllowCredentials: cfg.AllowCredentials,
		MaxAge:           time.Duration(cfg.MaxAge) * time.Second,
	}
	if len(corsCfg.AllowMethods) == 0 {
		corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(corsCfg.AllowHeaders) == 0 {
		corsCfg.AllowHeaders = []string{
			"Origin",
			"Content-Type",
			"Content-Length",
			"Authorization",
			requestIDHeader,
		}
	}
	origins := cfg.AllowedOrigins
	wildcard := len(origins) == 0
	for _, origin := range origins {
		if origin == "*" {
			wildcard = true
		}
	}
	switch {
	case wildcard && cfg.AllowCredentials:
		// 携带凭证时不能返回 *，回显请求来源
		corsCfg.AllowOriginFunc = func(string) bool { return true }
	case wildcard:
		corsCfg.AllowAllOrigins = true
	default:
		corsCfg.AllowOrigins = origins
	}
	return corsCfg
}

// RequestIDMiddleware 请求 ID 中间件
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set(requestIDHeader, requestID)
		c.Next()
	}
}

// LoggerMiddleware 结构化请求日志中间件
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.L()
	}
	sugar := logger.Sugar()
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log := sugar.With(
			"request_id", getRequestID(c),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
		if len(c.Errors) > 0 {
			log.Errorw("request", "errors", c.Errors.String())
			return
		}
		log.Infow("request")
	}
}

func getRequestID(c *gin.Context) string {
	value, ok := c.Get(requestIDKey)
	if !ok {
		return ""
	}
	if requestID, ok := value.(string); ok {
		return requestID
	}
	return ""
}

// JWTAuthMiddleware 运营接口 JWT 鉴权中间件，令牌由调用方系统以 HS256 签发
func JWTAuthMiddleware(cfg config.APIJWTConfig) gin.HandlerFunc {
	secretKey := strings.TrimSpace(cfg.Secret)
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		options = append(options, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(options...)

	return func(c *gin.Context) {
		if secretKey == "" {
			response.Unauthorized(c, "接口鉴权未配置")
			c.Abort()
			return
		}
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "缺少 Authorization 请求头")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if !(len(parts) == 2 && parts[0] == "Bearer") {
			response.Unauthorized(c, "Authorization 格式错误")
			c.Abort()
			return
		}

		claims := &jwt.RegisteredClaims{}
		token, err := parser.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(secretKey), nil
		})
		if err != nil || !token.Valid {
			response.Unauthorized(c, "令牌无效或已过期")
			c.Abort()
			return
		}

		c.Set(operatorContextKey, claims.Subject)
		c.Next()
	}
}
