package evolution

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/acme/mass-dispatch/internal/config"
	"github.com/acme/mass-dispatch/internal/domain"
	"github.com/acme/mass-dispatch/internal/gateway"
)

// Client talks to an Evolution API compatible WhatsApp gateway over REST.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *fiber.Client
}

// NewClient constructs a gateway client.
func NewClient(cfg config.GatewayConfig) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    &fiber.Client{UserAgent: "mass-dispatch"},
	}
}

type messageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type sendResponse struct {
	Key    messageKey `json:"key"`
	Status string     `json:"status"`
}

type textRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type mediaRequest struct {
	Number    string `json:"number"`
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	MimeType  string `json:"mimetype,omitempty"`
}

type audioRequest struct {
	Number string `json:"number"`
	Audio  string `json:"audio"`
}

type numbersRequest struct {
	Numbers []string `json:"numbers"`
}

type numberResponse struct {
	Exists bool   `json:"exists"`
	JID    string `json:"jid"`
	Number string `json:"number"`
	Name   string `json:"name"`
}

type deleteRequest struct {
	ID        string `json:"id"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
}

// Send delivers one message using the endpoint matching its variant.
func (c *Client) Send(ctx context.Context, msg gateway.OutboundMessage) (gateway.SendResult, error) {
	var (
		path string
		body any
	)
	switch msg.Kind {
	case domain.TemplateText:
		path, body = "/message/sendText/", textRequest{Number: msg.Number, Text: msg.Content.Text}
	case domain.TemplateAudio:
		path, body = "/message/sendWhatsAppAudio/", audioRequest{Number: msg.Number, Audio: msg.Content.MediaURL}
	case domain.TemplateImage, domain.TemplateImageCaption,
		domain.TemplateVideo, domain.TemplateVideoCaption,
		domain.TemplateFile, domain.TemplateFileCaption:
		path, body = "/message/sendMedia/", mediaRequest{
			Number:    msg.Number,
			MediaType: msg.Kind.MediaType(),
			Media:     msg.Content.MediaURL,
			Caption:   msg.Content.Caption,
			FileName:  msg.Content.FileName,
			MimeType:  msg.Content.MimeType,
		}
	default:
		return gateway.SendResult{}, fmt.Errorf("evolution: unsupported message kind %q", msg.Kind)
	}

	var resp sendResponse
	if err := c.do(ctx, c.http.Post(c.endpoint(path, msg.Instance)), body, &resp); err != nil {
		return gateway.SendResult{}, err
	}
	if resp.Key.ID == "" {
		return gateway.SendResult{}, fmt.Errorf("evolution: send response without message id")
	}

	return gateway.SendResult{
		MessageID: resp.Key.ID,
		RemoteJID: resp.Key.RemoteJID,
		Queued:    strings.EqualFold(resp.Status, "SCHEDULED") || strings.EqualFold(resp.Status, "QUEUED"),
	}, nil
}

// CheckExistence asks the gateway which numbers have a WhatsApp account.
func (c *Client) CheckExistence(ctx context.Context, instance string, numbers []string) ([]gateway.NumberCheck, error) {
	var resp []numberResponse
	if err := c.do(ctx, c.http.Post(c.endpoint("/chat/whatsappNumbers/", instance)), numbersRequest{Numbers: numbers}, &resp); err != nil {
		return nil, err
	}

	out := make([]gateway.NumberCheck, 0, len(resp))
	for _, r := range resp {
		out = append(out, gateway.NumberCheck{Number: r.Number, Valid: r.Exists, ResolvedName: r.Name})
	}
	return out, nil
}

// DeleteMessage revokes a message for every participant.
func (c *Client) DeleteMessage(ctx context.Context, instance, messageID, remoteJID string) error {
	req := deleteRequest{ID: messageID, RemoteJID: remoteJID, FromMe: true}
	return c.do(ctx, c.http.Delete(c.endpoint("/chat/deleteMessageForEveryone/", instance)), req, nil)
}

func (c *Client) endpoint(path, instance string) string {
	return c.baseURL + path + url.PathEscape(instance)
}

// do sends body as JSON and decodes a successful response into out. The
// agent timeout is bounded by the context deadline.
func (c *Client) do(ctx context.Context, agent *fiber.Agent, body, out any) error {
	if err := ctx.Err(); err != nil {
		fiber.ReleaseAgent(agent)
		return err
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	agent.Set("apikey", c.apiKey).JSON(body).Timeout(timeout)

	code, respBody, errs := agent.Bytes()
	if len(errs) > 0 {
		return fmt.Errorf("evolution: request failed: %w", errs[0])
	}
	if code >= fiber.StatusBadRequest {
		return fmt.Errorf("evolution: status %d: %s", code, truncate(respBody, 256))
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("evolution: decode response: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
