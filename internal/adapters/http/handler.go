package http

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/melih/lighthouse/internal/core/domain"
	"github.com/melih/lighthouse/internal/core/ports"
	"github.com/melih/lighthouse/internal/core/services"
)

// AppHandler serves the application and job endpoints.
type AppHandler struct {
	apps   *services.Apps
	recon  *services.Reconciler
	routes ports.RouteManager
}

func NewAppHandler(apps *services.Apps, recon *services.Reconciler, routes ports.RouteManager) *AppHandler {
	return &AppHandler{apps: apps, recon: recon, routes: routes}
}

func appID(c *fiber.Ctx) (int64, error) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid app id")
	}
	return id, nil
}

func (h *AppHandler) ListApps(c *fiber.Ctx) error {
	apps, err := h.apps.List(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(apps)
}

func (h *AppHandler) CreateApp(c *fiber.Ctx) error {
	var req services.CreateAppRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	app, err := h.apps.Create(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(app)
}

func (h *AppHandler) GetApp(c *fiber.Ctx) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	app, err := h.apps.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(app)
}

func (h *AppHandler) UpdateApp(c *fiber.Ctx) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	var req services.UpdateAppRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	app, err := h.apps.Update(c.UserContext(), id, req)
	if err != nil {
		return err
	}
	return c.JSON(app)
}

// enqueue runs one of the job-starting service calls and answers 202.
func (h *AppHandler) enqueue(c *fiber.Ctx, fn func(*fiber.Ctx, int64) (*services.JobRef, error)) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	ref, err := fn(c, id)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(ref)
}

func (h *AppHandler) DeployApp(c *fiber.Ctx) error {
	return h.enqueue(c, func(c *fiber.Ctx, id int64) (*services.JobRef, error) {
		return h.apps.Deploy(c.UserContext(), id)
	})
}

func (h *AppHandler) DeployBuilt(c *fiber.Ctx) error {
	return h.enqueue(c, func(c *fiber.Ctx, id int64) (*services.JobRef, error) {
		return h.apps.DeployBuilt(c.UserContext(), id)
	})
}

func (h *AppHandler) StopApp(c *fiber.Ctx) error {
	return h.enqueue(c, func(c *fiber.Ctx, id int64) (*services.JobRef, error) {
		return h.apps.Stop(c.UserContext(), id)
	})
}

func (h *AppHandler) RemoveApp(c *fiber.Ctx) error {
	return h.enqueue(c, func(c *fiber.Ctx, id int64) (*services.JobRef, error) {
		return h.apps.Remove(c.UserContext(), id)
	})
}

func (h *AppHandler) GetAppLogs(c *fiber.Ctx) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	logs, err := h.apps.Logs(c.UserContext(), id, c.QueryInt("tail", 100))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(logs)
}

func (h *AppHandler) GetDeployments(c *fiber.Ctx) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	deps, err := h.apps.Deployments(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(deps)
}

// ReconcileApp reports drift for one app; ?fix=true applies downgrades.
func (h *AppHandler) ReconcileApp(c *fiber.Ctx) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	report, err := h.recon.Reconcile(c.UserContext(), id, c.QueryBool("fix", false))
	if err != nil {
		return err
	}
	return c.JSON(report)
}

// RouteStatus reports whether the app has a route file and where it points.
func (h *AppHandler) RouteStatus(c *fiber.Ctx) error {
	id, err := appID(c)
	if err != nil {
		return err
	}
	app, err := h.apps.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	body := fiber.Map{"slug": app.Slug, "file": app.RouteFile(), "exists": h.routes.Exists(app.Slug)}
	if host, port, err := h.routes.Upstream(app.Slug); err == nil {
		body["upstream_host"] = host
		body["upstream_port"] = port
	} else if domain.KindOf(err) != domain.KindNotFound {
		body["error"] = err.Error()
	}
	return c.JSON(body)
}

func (h *AppHandler) GetJob(c *fiber.Ctx) error {
	st, err := h.apps.JobStatus(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

// CancelJob revokes the job and resets its app to stopped.
func (h *AppHandler) CancelJob(c *fiber.Ctx) error {
	st, err := h.apps.CancelJob(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(st)
}

type credentialRequest struct {
	Name     string `json:"name"`
	AuthType string `json:"auth_type"`
	Username string `json:"username"`
	Token    string `json:"token"`
	SSHKey   string `json:"ssh_key"`
}

// CreateCredential stores a credential; the secret is never echoed back.
func (h *AppHandler) CreateCredential(c *fiber.Ctx) error {
	var req credentialRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	cred := &domain.Credential{Name: req.Name, AuthType: req.AuthType, Username: req.Username, Token: req.Token, SSHKey: req.SSHKey}
	if err := h.apps.SaveCredential(c.UserContext(), cred); err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":        cred.ID,
		"name":      cred.Name,
		"auth_type": cred.AuthType,
		"username":  cred.Username,
	})
}
