package routes

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/edgeworker/edgeworker/internal/server"
	"github.com/edgeworker/edgeworker/internal/site"
	"github.com/edgeworker/edgeworker/internal/worker"
)

// RegisterSiteRoutes 暴露 /-/sites 诊断与运维接口：查看站点状态、切换版本、
// 触发后台同步与推送，以及模拟通知点击。只读 GET 接口对外开放；POST 接口
// 需要 Authorization: Bearer <adminToken>，adminToken 为空时一律 403。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, logger *logrus.Logger, adminToken string) {
	if app == nil || registry == nil {
		return
	}
	admin := requireAdmin(adminToken)

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sites": encodeSites(registry.List())})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		manager, ok := siteManager(registry, c.Params("name"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "site_not_found")
		}
		return c.JSON(manager.Status())
	})

	app.Post("/-/sites/:name/upgrade", admin, func(c fiber.Ctx) error {
		manager, ok := siteManager(registry, c.Params("name"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "site_not_found")
		}
		var payload upgradePayload
		if err := json.Unmarshal(c.Body(), &payload); err != nil || strings.TrimSpace(payload.Version) == "" {
			return writeError(c, fiber.StatusBadRequest, "version_required")
		}

		err := manager.Upgrade(requestContext(c), payload.Version)
		switch {
		case err == nil:
			return c.JSON(manager.Status())
		case errors.Is(err, site.ErrUpgradeInProgress):
			return writeError(c, fiber.StatusConflict, "upgrade_in_progress")
		case errors.Is(err, worker.ErrInstallFailed):
			logRouteError(logger, manager.Name(), "upgrade", err)
			return writeError(c, fiber.StatusBadGateway, "install_failed")
		default:
			logRouteError(logger, manager.Name(), "upgrade", err)
			return writeError(c, fiber.StatusInternalServerError, "upgrade_failed")
		}
	})

	app.Post("/-/sites/:name/sync/:tag", admin, func(c fiber.Ctx) error {
		manager, ok := siteManager(registry, c.Params("name"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "site_not_found")
		}
		controller := manager.Controller()
		if controller == nil {
			return writeError(c, fiber.StatusServiceUnavailable, "site_unavailable")
		}
		tag := c.Params("tag")
		if err := controller.Sync(requestContext(c), tag); err != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "sync_aborted")
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"tag": tag})
	})

	app.Post("/-/sites/:name/push", admin, func(c fiber.Ctx) error {
		manager, ok := siteManager(registry, c.Params("name"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "site_not_found")
		}
		controller := manager.Controller()
		if controller == nil {
			return writeError(c, fiber.StatusServiceUnavailable, "site_unavailable")
		}
		n, err := controller.Push(requestContext(c), c.Body())
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "invalid_payload")
		}
		if n == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.Status(fiber.StatusCreated).JSON(n)
	})

	app.Get("/-/sites/:name/notifications", func(c fiber.Ctx) error {
		manager, ok := siteManager(registry, c.Params("name"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "site_not_found")
		}
		return c.JSON(fiber.Map{"notifications": manager.Outbox().List()})
	})

	app.Post("/-/sites/:name/notifications/:id/click", admin, func(c fiber.Ctx) error {
		manager, ok := siteManager(registry, c.Params("name"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "site_not_found")
		}
		controller := manager.Controller()
		if controller == nil {
			return writeError(c, fiber.StatusServiceUnavailable, "site_unavailable")
		}
		n, ok := manager.Outbox().Get(c.Params("id"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "notification_not_found")
		}
		target, err := controller.NotificationClick(requestContext(c), n)
		if err != nil {
			logRouteError(logger, manager.Name(), "notificationclick", err)
			return writeError(c, fiber.StatusInternalServerError, "open_window_failed")
		}
		return c.JSON(fiber.Map{"url": target})
	})
}

type upgradePayload struct {
	Version string `json:"version"`
}

type sitePayload struct {
	site.Status
	Upstream string `json:"upstream"`
	Port     int    `json:"port"`
}

func encodeSites(routes []server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		item := sitePayload{
			Status: site.Status{
				Name:    route.Config.Name,
				Domain:  route.Config.Domain,
				Aliases: append([]string(nil), route.Config.Aliases...),
				State:   "pending",
			},
			Upstream: route.Config.Upstream,
			Port:     route.ListenPort,
		}
		if route.Manager != nil {
			item.Status = route.Manager.Status()
		}
		result = append(result, item)
	}
	return result
}

func requireAdmin(token string) fiber.Handler {
	return func(c fiber.Ctx) error {
		if token == "" {
			return writeError(c, fiber.StatusForbidden, "admin_disabled")
		}
		auth := c.Get(fiber.HeaderAuthorization)
		presented, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
			return writeError(c, fiber.StatusUnauthorized, "unauthorized")
		}
		return c.Next()
	}
}

func siteManager(registry *server.SiteRegistry, name string) (*site.Manager, bool) {
	route, ok := registry.ByName(name)
	if !ok || route.Manager == nil {
		return nil, false
	}
	return route.Manager, true
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func logRouteError(logger *logrus.Logger, name, action string, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{"site": name, "action": action}).WithError(err).Warn("site_route_failed")
}
