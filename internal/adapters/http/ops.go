package http

import (
	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services"
)

// OpsHandler serves the route, orphan and system endpoints.
type OpsHandler struct {
	life   *services.Lifecycle
	maint  *services.Maintenance
	routes ports.RouteManager
}

func NewOpsHandler(life *services.Lifecycle, maint *services.Maintenance, routes ports.RouteManager) *OpsHandler {
	return &OpsHandler{life: life, maint: maint, routes: routes}
}

func (h *OpsHandler) ListRoutes(c *fiber.Ctx) error {
	l, err := h.routes.List()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"all_files":    l.AllFiles,
		"app_configs":  l.AppConfigs,
		"system_files": l.SystemFiles,
		"total":        len(l.AllFiles),
		"app_count":    len(l.AppConfigs),
		"system_count": len(l.SystemFiles),
	})
}

// CleanupRoutes removes routes of apps that are not running.
func (h *OpsHandler) CleanupRoutes(c *fiber.Ctx) error {
	report, err := h.maint.CleanupRoutes(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

// ValidateRoutes runs the strict per-file check against upstream containers.
func (h *OpsHandler) ValidateRoutes(c *fiber.Ctx) error {
	report, err := h.routes.ValidateAndCleanup(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *OpsHandler) ListOrphans(c *fiber.Ctx) error {
	orphans, err := h.life.Orphans(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"orphans": orphans, "count": len(orphans)})
}

type orphanRequest struct {
	ContainerIDs []string `json:"container_ids"`
}

// RemoveOrphans removes the listed orphans, or all of them without a body.
func (h *OpsHandler) RemoveOrphans(c *fiber.Ctx) error {
	var req orphanRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
		}
	}
	report, err := h.life.RemoveOrphans(c.UserContext(), req.ContainerIDs)
	if err != nil {
		return err
	}
	return c.JSON(report)
}

func (h *OpsHandler) SystemInfo(c *fiber.Ctx) error {
	info, err := h.life.SystemInfo(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(info)
}

func (h *OpsHandler) Prune(c *fiber.Ctx) error {
	report, err := h.life.Prune(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(report)
}
