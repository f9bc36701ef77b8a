// Package webhook turns authenticated HTTP callbacks into ticket messages.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/h1v3-io/agentdesk/internal/connector"
	"github.com/h1v3-io/agentdesk/internal/service"
	"github.com/h1v3-io/agentdesk/internal/tool"
)

const maxBody = 1 << 20

// Signature headers, checked in order.
var signatureHeaders = []string{"X-Hub-Signature-256", "X-Signature-256"}

// Event headers copied into the ticket metadata as "event".
var eventHeaders = []string{"X-GitHub-Event", "X-Gitlab-Event", "X-Event-Type"}

// Config holds webhook connector configuration.
type Config struct {
	// Endpoints maps endpoint names to their settings.
	Endpoints map[string]EndpointConfig `json:"endpoints"`
}

// EndpointConfig holds per-endpoint settings. Secret takes precedence over
// BearerToken; an endpoint with neither accepts anonymous calls.
type EndpointConfig struct {
	Secret      string `json:"secret,omitempty"`
	BearerToken string `json:"bearer_token,omitempty"`
	Agent       string `json:"agent,omitempty"`

	// Raw accepts any JSON document. The body becomes the message text
	// instead of being decoded as a Payload.
	Raw bool `json:"raw,omitempty"`
	// Schema, when set, must validate the request body.
	Schema map[string]any `json:"schema,omitempty"`
}

// Payload is the JSON body of a non-raw webhook call.
type Payload struct {
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	TicketID string         `json:"ticket_id,omitempty"`
	Agent    string         `json:"agent,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type endpoint struct {
	name   string
	cfg    EndpointConfig
	schema *tool.Validator
}

// Handler serves POST {prefix}/webhook/:name. A payload with ticket_id adds
// a message to that ticket; otherwise it opens a ticket, or continues the
// one bound to chat_id.
type Handler struct {
	endpoints map[string]*endpoint
	deliver   connector.InboundHandler
	logger    *slog.Logger
}

// New compiles the endpoint schemas and returns the handler.
func New(cfg Config, deliver connector.InboundHandler, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		endpoints: make(map[string]*endpoint, len(cfg.Endpoints)),
		deliver:   deliver,
		logger:    logger,
	}
	for name, ec := range cfg.Endpoints {
		ep := &endpoint{name: name, cfg: ec}
		if ec.Schema != nil {
			v, err := tool.CompileSchema(ec.Schema)
			if err != nil {
				return nil, fmt.Errorf("webhook %q: %w", name, err)
			}
			ep.schema = v
		}
		h.endpoints[name] = ep
	}
	return h, nil
}

type rejection struct {
	status int
	msg    string
}

func (r *rejection) Error() string { return r.msg }

func reject(status int, format string, args ...any) error {
	return &rejection{status: status, msg: fmt.Sprintf(format, args...)}
}

// Handle is the echo handler. The endpoint name is the :name path param.
func (h *Handler) Handle(c echo.Context) error {
	msg, err := h.inbound(c)
	if err != nil {
		var rj *rejection
		if errors.As(err, &rj) {
			return c.JSON(rj.status, map[string]string{"error": rj.msg})
		}
		return err
	}

	ticketID, err := h.deliver(c.Request().Context(), msg)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("webhook delivery failed", "channel", msg.Channel, "error", err)
			return c.JSON(status, map[string]string{"error": "internal error"})
		}
		return c.JSON(status, map[string]string{"error": err.Error()})
	}
	h.logger.Info("webhook accepted", "channel", msg.Channel, "ticket", ticketID)
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted", "ticket_id": ticketID})
}

// inbound authenticates the request and builds the message for the router.
func (h *Handler) inbound(c echo.Context) (connector.InboundMessage, error) {
	var msg connector.InboundMessage

	name := c.Param("name")
	ep, ok := h.endpoints[name]
	if !ok {
		return msg, reject(http.StatusNotFound, "unknown webhook endpoint: %s", name)
	}

	r := c.Request()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return msg, reject(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > maxBody {
		return msg, reject(http.StatusRequestEntityTooLarge, "body exceeds %d bytes", maxBody)
	}
	if !ep.authorized(r.Header, body) {
		return msg, reject(http.StatusUnauthorized, "unauthorized")
	}

	if ep.schema != nil {
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return msg, reject(http.StatusBadRequest, "invalid JSON payload")
		}
		if err := ep.schema.Validate(doc); err != nil {
			return msg, reject(http.StatusUnprocessableEntity, "%v", err)
		}
	}

	if ep.cfg.Raw {
		msg, err = ep.rawMessage(body)
	} else {
		msg, err = ep.payloadMessage(body)
	}
	if err != nil {
		return msg, err
	}

	if event := firstHeader(r.Header, eventHeaders); event != "" {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["event"] = event
	}
	msg.Channel = "webhook:" + name
	if msg.SenderID == "" {
		msg.SenderID = name
	}
	if msg.Agent == "" {
		msg.Agent = ep.cfg.Agent
	}
	return msg, nil
}

func (ep *endpoint) payloadMessage(body []byte) (connector.InboundMessage, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return connector.InboundMessage{}, reject(http.StatusBadRequest, "invalid JSON payload")
	}
	if strings.TrimSpace(p.Content) == "" {
		return connector.InboundMessage{}, reject(http.StatusBadRequest, "content is required")
	}
	return connector.InboundMessage{
		SenderID: p.SenderID,
		ChatID:   p.ChatID,
		Content:  p.Content,
		TicketID: p.TicketID,
		Agent:    p.Agent,
		Params:   p.Params,
		Metadata: p.Metadata,
	}, nil
}

// rawMessage wraps an arbitrary JSON document. Every raw call opens a new
// ticket; there is no chat to bind.
func (ep *endpoint) rawMessage(body []byte) (connector.InboundMessage, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return connector.InboundMessage{}, reject(http.StatusBadRequest, "invalid JSON payload")
	}
	pretty, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return connector.InboundMessage{}, err
	}
	return connector.InboundMessage{
		Content: fmt.Sprintf("Webhook %q delivered:\n\n```json\n%s\n```", ep.name, pretty),
	}, nil
}

func (ep *endpoint) authorized(header http.Header, body []byte) bool {
	switch {
	case ep.cfg.Secret != "":
		return verifyHMAC(body, ep.cfg.Secret, firstHeader(header, signatureHeaders))
	case ep.cfg.BearerToken != "":
		token, ok := strings.CutPrefix(header.Get("Authorization"), "Bearer ")
		return ok && hmac.Equal([]byte(token), []byte(ep.cfg.BearerToken))
	default:
		return true
	}
}

func firstHeader(header http.Header, names []string) string {
	for _, n := range names {
		if v := header.Get(n); v != "" {
			return v
		}
	}
	return ""
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidState), errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// verifyHMAC checks a "sha256=<hex>" signature over body.
func verifyHMAC(body []byte, secret, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	return hmac.Equal(sign(body, secret), got)
}

func sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// ComputeSignature returns the X-Hub-Signature-256 value for body.
func ComputeSignature(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(sign(body, secret))
}
