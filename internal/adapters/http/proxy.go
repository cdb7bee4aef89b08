package http

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
)

// ProxyHandler forwards <slug>.<domain> requests to the upstream recorded
// in the app's route file. It lets a single listener serve apps when the
// nginx front is not in use, e.g. during local development.
type ProxyHandler struct {
	routes ports.RouteManager
	suffix string
}

func NewProxyHandler(routes ports.RouteManager, proxyDomain string) *ProxyHandler {
	return &ProxyHandler{routes: routes, suffix: "." + strings.TrimPrefix(proxyDomain, ".")}
}

// slug returns the subdomain label, or "" when host is not under the proxy domain.
func (h *ProxyHandler) slug(host string) string {
	if !strings.HasSuffix(host, h.suffix) {
		return ""
	}
	sub := strings.TrimSuffix(host, h.suffix)
	if sub == "" || sub == "www" || strings.Contains(sub, ".") {
		return ""
	}
	return sub
}

// ProxyRequest intercepts subdomain requests; everything else falls through.
func (h *ProxyHandler) ProxyRequest(c *fiber.Ctx) error {
	slug := h.slug(c.Hostname())
	if slug == "" {
		return c.Next()
	}

	host, port, err := h.routes.Upstream(slug)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return c.Status(fiber.StatusNotFound).SendString(fmt.Sprintf("App '%s' not found or not running", slug))
		}
		return err
	}

	remote := &url.URL{Scheme: "http", Host: net.JoinHostPort(host, strconv.Itoa(port))}
	proxy := httputil.NewSingleHostReverseProxy(remote)

	// Streamlit checks the Host header against its own address.
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.Host = remote.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "Proxy Info: target=%s error=%v", remote.Host, err)
	}

	return adaptor.HTTPHandler(proxy)(c)
}
