package proxy

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgeworker/edgeworker/internal/logging"
	"github.com/edgeworker/edgeworker/internal/server"
	"github.com/edgeworker/edgeworker/internal/worker"
)

const (
	cacheStateHit    = "hit"
	cacheStateMiss   = "miss"
	cacheStateBypass = "bypass"
)

// Handler 把 Fiber 请求交给站点当前的 Controller；Controller 不处理的请求
// （非 GET、经由别名的跨域请求、站点尚未激活）直接透传到上游。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
}

// NewHandler constructs a proxy handler with the shared upstream client and logger.
func NewHandler(client *http.Client, logger *logrus.Logger) *Handler {
	if client == nil {
		client = server.NewUpstreamClient(nil)
	}
	return &Handler{
		client: client,
		logger: logger,
	}
}

// Handle 执行拦截或透传，并输出结构化请求日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req := buildWorkerRequest(c, route)
	network := NewNetwork(h.client, route)

	var (
		resp    *worker.Response
		handled bool
		err     error
		version string
	)
	if route.Manager != nil {
		if controller := route.Manager.Controller(); controller != nil {
			version = controller.Version()
			resp, handled, err = controller.Fetch(ctx, req)
		}
	}
	if !handled {
		resp, err = network.Forward(ctx, req, c.Body())
	}

	cacheState := cacheStateBypass
	strategy := ""
	if handled {
		strategy = worker.StrategyFor(req.Destination).String()
		cacheState = cacheStateMiss
		if resp != nil && resp.Source == worker.SourceCache {
			cacheState = cacheStateHit
		}
	}

	fields := logging.RequestFields(route.Config.Name, route.Config.Domain, version, req.Destination.String(), strategy, cacheState)
	if err != nil {
		h.logResult(fields, req, requestID, 0, started, err)
		c.Set("X-Edge-Cache", cacheState)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Edge-Cache", cacheState)
	if strategy != "" {
		c.Set("X-Edge-Strategy", strategy)
	}
	c.Status(resp.Status)
	h.logResult(fields, req, requestID, resp.Status, started, nil)

	if strings.EqualFold(req.Method, http.MethodHead) {
		return nil
	}
	return c.Send(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	fields logrus.Fields,
	req *worker.Request,
	requestID string,
	status int,
	started time.Time,
	err error,
) {
	if h.logger == nil {
		return
	}
	fields["action"] = "proxy"
	fields["method"] = req.Method
	fields["path"] = req.URL.Path
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildWorkerRequest 以请求实际到达的主机名（去掉端口）构造 URL，因此经由
// 别名访问的请求与站点 origin 不同源，不会被缓存。
func buildWorkerRequest(c fiber.Ctx, route *server.SiteRoute) *worker.Request {
	host, _ := server.NormalizeHost(hostHeader(c))
	if host == "" {
		host = route.Origin.Host
	}
	uri := c.Request().URI()
	target := &url.URL{
		Scheme:   route.Origin.Scheme,
		Host:     host,
		Path:     normalizeRequestPath(string(uri.Path())),
		RawQuery: string(uri.QueryString()),
	}

	header := fiberHeadersAsHTTP(c)
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	return &worker.Request{
		Method:      strings.ToUpper(c.Method()),
		URL:         target,
		Header:      header,
		Destination: worker.Classify(target.Path, header),
	}
}

func hostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for i, value := range values {
			if i == 0 {
				c.Set(key, value)
				continue
			}
			c.Append(key, value)
		}
	}
}
