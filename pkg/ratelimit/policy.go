package ratelimit

import (
	"net/http"
	"strings"
)

// DefaultRule 未单独配置的写请求共用的规则名
const DefaultRule = "default"

// Rule 命中的限流规则。Key 为计数键，同一规则下按客户端分别计数。
type Rule struct {
	Name  string
	Key   string
	Limit Limit
}

// Policy 按路由选择限流规则。只限制写请求，查询与健康检查不计数。
// 单独配置的路由（如下单、库存调整）各自计数，互不占用额度。
type Policy struct {
	fallback Limit
	routes   map[string]Limit
}

// NewPolicy 创建策略，fallback 用于未单独配置的写路由
func NewPolicy(fallback Limit) *Policy {
	return &Policy{fallback: fallback, routes: make(map[string]Limit)}
}

// Route 为 method + 路由模板（如 POST /api/v1/orders）设置单独的规则
func (p *Policy) Route(method, path string, limit Limit) *Policy {
	p.routes[routeName(method, path)] = limit
	return p
}

// Match 返回请求命中的规则。route 为框架匹配到的路由模板，未匹配时为空。
// 不受限的请求返回 false。
func (p *Policy) Match(method, route, client string) (Rule, bool) {
	if !isWrite(method) {
		return Rule{}, false
	}
	if route != "" {
		name := routeName(method, route)
		if limit, ok := p.routes[name]; ok {
			return Rule{Name: name, Key: "route:" + name + ":" + client, Limit: limit}, true
		}
	}
	return Rule{Name: DefaultRule, Key: "client:" + client, Limit: p.fallback}, true
}

func routeName(method, path string) string {
	return strings.ToUpper(method) + " " + path
}

func isWrite(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
