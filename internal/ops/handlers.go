package ops

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"assistbot/internal/order"
	"assistbot/internal/payload"
	"assistbot/internal/schedule"
	"assistbot/internal/store"
)

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

type taskView struct {
	ID        int64       `json:"id"`
	UserID    int64       `json:"user_id"`
	Type      string      `json:"type"`
	Rule      string      `json:"rule"`
	Params    payload.Map `json:"params,omitempty"`
	Enabled   bool        `json:"enabled"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func viewTask(t store.Task) taskView {
	return taskView{
		ID:        t.ID,
		UserID:    t.UserID,
		Type:      t.Type,
		Rule:      t.ScheduleRule,
		Params:    t.Params,
		Enabled:   t.Enabled,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

func (s *Server) listTasks(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	tasks, err := s.deps.Store.ListTasks(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks")
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewTask(t))
	}
	return c.JSON(http.StatusOK, echo.Map{"count": len(views), "tasks": views})
}

type createTaskRequest struct {
	UserID int64          `json:"user_id"`
	Type   string         `json:"type"`
	Rule   string         `json:"rule"`
	Params map[string]any `json:"params"`
}

func (s *Server) createTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	if req.UserID <= 0 || req.Type == "" || req.Rule == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_id, type and rule are required")
	}
	if _, err := s.deps.Resolver.Parse(req.Rule); err != nil {
		if errors.Is(err, schedule.ErrInvalidRule) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to validate rule")
	}

	params, err := payload.FromAny(req.Params)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid params")
	}
	t := store.Task{
		UserID:       req.UserID,
		Type:         req.Type,
		ScheduleRule: req.Rule,
		Params:       params,
		Enabled:      true,
	}
	if err := s.deps.Store.CreateTask(c.Request().Context(), &t); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to create task")
	}
	return c.JSON(http.StatusCreated, viewTask(t))
}

type runView struct {
	ID         int64       `json:"id"`
	Occurrence time.Time   `json:"occurrence"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
	OK         bool        `json:"ok"`
	Attempt    int         `json:"attempt"`
	Output     payload.Map `json:"output,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func (s *Server) listRuns(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	runs, err := s.deps.Store.ListRunsByTask(c.Request().Context(), id, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	views := make([]runView, 0, len(runs))
	for _, r := range runs {
		views = append(views, runView{
			ID:         r.ID,
			Occurrence: r.Occurrence,
			StartedAt:  r.StartedAt,
			EndedAt:    r.EndedAt,
			OK:         r.OK,
			Attempt:    r.Attempt,
			Output:     r.Output,
			Error:      r.Error,
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"count": len(views), "runs": views})
}

func (s *Server) disableTask(c echo.Context) error { return s.setEnabled(c, false) }
func (s *Server) enableTask(c echo.Context) error  { return s.setEnabled(c, true) }

func (s *Server) setEnabled(c echo.Context, enabled bool) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	err = s.deps.Store.SetTaskEnabled(c.Request().Context(), id, enabled)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrStale):
		// Already in the requested state.
		return c.JSON(http.StatusOK, echo.Map{"id": id, "enabled": enabled})
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to update task")
	}
	return c.JSON(http.StatusOK, echo.Map{"id": id, "enabled": enabled})
}

func (s *Server) tick(c echo.Context) error {
	if s.deps.Poller == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "scheduler not running")
	}
	due, err := s.deps.Poller.TickNow(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "tick failed")
	}
	ids := make([]int64, 0, len(due))
	for _, d := range due {
		ids = append(ids, d.Task.ID)
	}
	return c.JSON(http.StatusOK, echo.Map{"due": ids})
}

type orderView struct {
	ID          int64     `json:"id"`
	BuyerChatID string    `json:"buyer_chat_id"`
	StoreChatID string    `json:"store_chat_id"`
	StoreName   string    `json:"store_name"`
	Item        string    `json:"item"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func viewOrder(o store.Order) orderView {
	return orderView{
		ID:          o.ID,
		BuyerChatID: o.BuyerChatID,
		StoreChatID: o.StoreChatID,
		StoreName:   o.StoreName,
		Item:        o.Item,
		Status:      o.Status,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func (s *Server) listOrders(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	orders, err := s.deps.Store.ListOrders(c.Request().Context(), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list orders")
	}
	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, viewOrder(o))
	}
	return c.JSON(http.StatusOK, echo.Map{"count": len(views), "orders": views})
}

type createOrderRequest struct {
	BuyerChatID string `json:"buyer_chat_id"`
	StoreChatID string `json:"store_chat_id"`
	StoreName   string `json:"store_name"`
	Item        string `json:"item"`
}

func (s *Server) createOrder(c echo.Context) error {
	var req createOrderRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	o, err := s.deps.Orders.PlaceOrder(c.Request().Context(),
		req.BuyerChatID, req.StoreChatID, req.StoreName, req.Item)
	if err != nil {
		return orderError(err)
	}
	return c.JSON(http.StatusCreated, viewOrder(o))
}

func (s *Server) getOrder(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	o, err := s.deps.Orders.Get(c.Request().Context(), id)
	if err != nil {
		return orderError(err)
	}
	return c.JSON(http.StatusOK, viewOrder(o))
}

type transitionRequest struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
}

func (s *Server) transitionOrder(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON payload")
	}
	o, err := s.deps.Orders.Transition(c.Request().Context(), id,
		order.Actor(req.Actor), order.Action(req.Action))
	if err != nil {
		return orderError(err)
	}
	return c.JSON(http.StatusOK, viewOrder(o))
}

func (s *Server) openSession(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	sess, err := s.deps.Orders.OpenSession(c.Request().Context(), id)
	if err != nil {
		return orderError(err)
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"session_id": sess.ID,
		"order_id":   sess.OrderID,
		"active":     sess.Active,
	})
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// orderError maps the order package's error taxonomy onto HTTP statuses.
func orderError(err error) error {
	switch {
	case order.IsValidation(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, order.ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "order not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "order operation failed")
	}
}
