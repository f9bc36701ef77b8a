package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/h1v3-io/agentdesk/internal/logbuf"
	"github.com/h1v3-io/agentdesk/internal/ticket"
	"github.com/h1v3-io/agentdesk/pkg/protocol"
)

const defaultLogLimit = 200

// CreateTicketRequest is the body of POST {prefix}/tickets. Agent is an id
// or name; AgentID is accepted as an alias.
type CreateTicketRequest struct {
	Agent   string         `json:"agent"`
	AgentID string         `json:"agent_id"`
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context"`
}

// MessageRequest is the body of the message endpoints.
type MessageRequest struct {
	Content string `json:"content"`
}

// MessageResponse reports the stored message and the ticket it requeued.
type MessageResponse struct {
	Message *protocol.Message `json:"message"`
	Ticket  *protocol.Ticket  `json:"ticket"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// --- Agents ---

func (s *Server) listAgents(c echo.Context) error {
	agents, err := s.svc.ListAgents(c.Request().Context())
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	if agents == nil {
		agents = []*protocol.Agent{}
	}
	return c.JSON(http.StatusOK, agents)
}

func (s *Server) getAgent(c echo.Context) error {
	a, err := s.svc.GetAgent(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, a)
}

func (s *Server) createAgent(c echo.Context) error {
	var a protocol.Agent
	if err := c.Bind(&a); err != nil {
		return badRequest(c, "invalid request body")
	}
	created, err := s.svc.CreateAgent(c.Request().Context(), &a)
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) updateAgent(c echo.Context) error {
	var a protocol.Agent
	if err := c.Bind(&a); err != nil {
		return badRequest(c, "invalid request body")
	}
	updated, err := s.svc.UpdateAgent(c.Request().Context(), c.Param("id"), &a)
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) deleteAgent(c echo.Context) error {
	if err := s.svc.DeleteAgent(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err, http.StatusConflict)
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Tickets ---

func (s *Server) listTickets(c echo.Context) error {
	ctx := c.Request().Context()
	filter := ticket.Filter{Status: protocol.TicketStatus(c.QueryParam("status"))}
	if ref := c.QueryParam("agent_id"); ref != "" {
		a, err := s.svc.GetAgent(ctx, ref)
		if err != nil {
			return s.fail(c, err, http.StatusBadRequest)
		}
		filter.AgentID = a.ID
	}
	if l := c.QueryParam("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return badRequest(c, "limit must be a non-negative integer")
		}
		filter.Limit = n
	}

	tickets, err := s.svc.ListTickets(ctx, filter)
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	if tickets == nil {
		tickets = []*protocol.Ticket{}
	}
	return c.JSON(http.StatusOK, tickets)
}

func (s *Server) createTicket(c echo.Context) error {
	var req CreateTicketRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	agent := req.Agent
	if agent == "" {
		agent = req.AgentID
	}
	if agent == "" {
		return badRequest(c, "agent is required")
	}
	t, err := s.svc.CreateTicket(c.Request().Context(), agent, req.Params, req.Context)
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusCreated, t)
}

func (s *Server) getTicket(c echo.Context) error {
	d, err := s.svc.GetTicket(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) deleteTicket(c echo.Context) error {
	if err := s.svc.DeleteTicket(c.Request().Context(), c.Param("id")); err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) resumeTicket(c echo.Context) error {
	t, err := s.svc.ResumeTicket(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) resetTicket(c echo.Context) error {
	t, err := s.svc.ResetTicket(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) postTicketMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	msg, t, err := s.svc.AddTicketMessage(c.Request().Context(), c.Param("id"), req.Content)
	if err != nil {
		return s.fail(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusCreated, MessageResponse{Message: msg, Ticket: t})
}

// --- Sessions ---

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.svc.ListSessions(c.Request().Context(), c.QueryParam("ticket_id"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	if sessions == nil {
		sessions = []*protocol.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSession(c echo.Context) error {
	d, err := s.svc.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) postSessionMessage(c echo.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	msg, t, err := s.svc.AddMessage(c.Request().Context(), c.Param("id"), req.Content)
	if err != nil {
		return s.fail(c, err, http.StatusConflict)
	}
	return c.JSON(http.StatusCreated, MessageResponse{Message: msg, Ticket: t})
}

// --- Catalog ---

func (s *Server) listTools(c echo.Context) error {
	tools, err := s.svc.ListTools(c.Request().Context())
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	if tools == nil {
		tools = []*protocol.ToolInfo{}
	}
	return c.JSON(http.StatusOK, tools)
}

func (s *Server) getTool(c echo.Context) error {
	t, err := s.svc.GetTool(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, t)
}

func (s *Server) syncTools(c echo.Context) error {
	report, err := s.svc.SyncTools(c.Request().Context())
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) listSkills(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.ListSkills())
}

func (s *Server) getSkill(c echo.Context) error {
	sk, err := s.svc.GetSkill(c.Param("name"))
	if err != nil {
		return s.fail(c, err, http.StatusBadRequest)
	}
	return c.JSON(http.StatusOK, sk)
}

func (s *Server) listExecutors(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.Executors())
}

// --- Logs ---

// getLogs serves ?since=<unix ms>&level=<name>&limit=<n>&ticket=<id>.
func (s *Server) getLogs(c echo.Context) error {
	if s.logs == nil {
		return c.JSON(http.StatusOK, []logbuf.Entry{})
	}

	q := logbuf.Query{MinLevel: slog.LevelDebug, Limit: defaultLogLimit, Ticket: c.QueryParam("ticket")}
	if l := c.QueryParam("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			q.Limit = n
		}
	}
	if lvl := c.QueryParam("level"); lvl != "" {
		q.MinLevel = logbuf.ParseLevel(lvl)
	}
	if since := c.QueryParam("since"); since != "" {
		if ms, err := strconv.ParseInt(since, 10, 64); err == nil {
			q.Since = time.UnixMilli(ms)
		}
	}

	entries := s.logs.Query(q)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}
