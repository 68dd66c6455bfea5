package transaction

import "github.com/dujiao-next/transaction/internal/provider"

// Handler 交易接口处理器入口
// 说明：网关回调、浏览器跳转与运营接口共用该处理器。
type Handler struct {
	*provider.Container
}

// New 创建交易处理器
func New(c *provider.Container) *Handler {
	return &Handler{Container: c}
}
