// Package bitrix is the single choke point for all calls to the remote
// CRM REST API. It owns rate limiting, transient-error retry and error
// normalization; everything above it sees typed results or *Error.
package bitrix

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Error is any failure surfaced by the gateway. Transient failures are
// retried internally, so callers only ever observe permanent ones.
type Error struct {
	Transient bool
	Status    int
	Message   string
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("bitrix: %s (status %d)", e.Message, e.Status)
	}
	return "bitrix: " + e.Message
}

const (
	// minDelay is the floor between dispatched requests, measured from
	// the previous dispatch.
	minDelay = 100 * time.Millisecond
	// overloadBackoff is the fixed wait before retrying a 503.
	overloadBackoff = 2 * time.Second
)

type Options struct {
	WebhookBase string
	Domain      string
	HTTPClient  *http.Client
}

type Client struct {
	webhookBase string
	domain      string
	httpClient  *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

func NewClient(opts Options) *Client {
	base := strings.TrimSpace(opts.WebhookBase)
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		webhookBase: base,
		domain:      strings.TrimSpace(opts.Domain),
		httpClient:  httpClient,
	}
}

// EntityURL builds the CRM permalink for a deal or contact.
func (c *Client) EntityURL(entityType string, id int64) string {
	return fmt.Sprintf("https://%s/crm/%s/details/%d/", c.domain, entityType, id)
}

// throttle enforces the minimum spacing from the last dispatched
// request. The lock is held across the wait so concurrent callers
// queue up rather than racing the timestamp.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if wait := minDelay - time.Since(c.lastRequest); wait > 0 {
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}
	c.lastRequest = time.Now()
	return nil
}

// request performs one remote call. A 503 response is retried after a
// fixed backoff for as long as the context allows; every other failure
// is permanent. Success responses that carry an embedded error field
// are normalized into the same failure channel.
func (c *Client) request(ctx context.Context, method, endpoint string, form, params url.Values) (json.RawMessage, error) {
	endpointURL := c.webhookBase + endpoint
	if len(params) > 0 {
		endpointURL += "?" + params.Encode()
	}

	for {
		if err := c.throttle(ctx); err != nil {
			return nil, err
		}

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, endpointURL, body)
		if err != nil {
			return nil, &Error{Message: err.Error()}
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &Error{Message: err.Error()}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &Error{Message: readErr.Error()}
		}

		if resp.StatusCode == http.StatusServiceUnavailable {
			log.Printf("bitrix: overloaded (503) on %s, retrying in %s", endpoint, overloadBackoff)
			if err := sleepContext(ctx, overloadBackoff); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		}

		var envelope struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != "" {
			message := envelope.ErrorDescription
			if message == "" {
				message = envelope.Error
			}
			return nil, &Error{Status: resp.StatusCode, Message: message}
		}

		return respBody, nil
	}
}

// ListPipelines fetches every deal pipeline (category).
func (c *Client) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	form := url.Values{}
	form.Set("entityTypeId", "2")
	raw, err := c.request(ctx, http.MethodPost, "crm.category.list", form, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Result struct {
			Categories []Pipeline `json:"categories"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &Error{Message: "decode pipelines: " + err.Error()}
	}
	return payload.Result.Categories, nil
}

// ListStages fetches the stage directory for one scope, e.g.
// "DEAL_STAGE" for the default pipeline or "DEAL_STAGE_<id>".
func (c *Client) ListStages(ctx context.Context, entityID string) ([]Stage, error) {
	params := url.Values{}
	params.Set("filter[ENTITY_ID]", entityID)
	raw, err := c.request(ctx, http.MethodGet, "crm.status.list", nil, params)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Result []Stage `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &Error{Message: "decode stages: " + err.Error()}
	}
	return payload.Result, nil
}

var dealFields = []string{"ID", "TITLE", "STAGE_ID", "CATEGORY_ID", "CONTACT_ID"}

// ListDealsPage fetches one page of the full deal enumeration ordered
// by id.
func (c *Client) ListDealsPage(ctx context.Context, start int) (DealPage, error) {
	params := listParams(start, dealFields)
	raw, err := c.request(ctx, http.MethodGet, "crm.deal.list", nil, params)
	if err != nil {
		return DealPage{}, err
	}
	var envelope listEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return DealPage{}, &Error{Message: "decode deal page: " + err.Error()}
	}
	var deals []Deal
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &deals); err != nil {
			return DealPage{}, &Error{Message: "decode deals: " + err.Error()}
		}
	}
	return DealPage{Deals: deals, Next: envelope.Next}, nil
}

// ListDealIDsPage fetches one id-only page of the deal enumeration.
func (c *Client) ListDealIDsPage(ctx context.Context, start int) (IDPage, error) {
	return c.listIDsPage(ctx, "crm.deal.list", start)
}

// ListContactIDsPage fetches one id-only page of the contact
// enumeration.
func (c *Client) ListContactIDsPage(ctx context.Context, start int) (IDPage, error) {
	return c.listIDsPage(ctx, "crm.contact.list", start)
}

func (c *Client) listIDsPage(ctx context.Context, endpoint string, start int) (IDPage, error) {
	params := listParams(start, []string{"ID"})
	raw, err := c.request(ctx, http.MethodGet, endpoint, nil, params)
	if err != nil {
		return IDPage{}, err
	}
	var envelope listEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return IDPage{}, &Error{Message: "decode id page: " + err.Error()}
	}
	var records []struct {
		ID ID `json:"ID"`
	}
	if len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, &records); err != nil {
			return IDPage{}, &Error{Message: "decode ids: " + err.Error()}
		}
	}
	page := IDPage{Next: envelope.Next}
	for _, record := range records {
		page.IDs = append(page.IDs, record.ID.Int64())
	}
	return page, nil
}

// ListContactsByIDs fetches contacts for an explicit id set.
func (c *Client) ListContactsByIDs(ctx context.Context, ids []int64) ([]Contact, error) {
	params := url.Values{}
	for i, field := range []string{"ID", "NAME", "PHONE"} {
		params.Set(fmt.Sprintf("select[%d]", i), field)
	}
	for i, id := range ids {
		params.Set(fmt.Sprintf("filter[@ID][%d]", i), strconv.FormatInt(id, 10))
	}
	raw, err := c.request(ctx, http.MethodGet, "crm.contact.list", nil, params)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Result []Contact `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &Error{Message: "decode contacts: " + err.Error()}
	}
	return payload.Result, nil
}

// DealContacts fetches the relation set of one deal.
func (c *Client) DealContacts(ctx context.Context, dealID int64) ([]Relation, error) {
	form := url.Values{}
	form.Set("id", strconv.FormatInt(dealID, 10))
	raw, err := c.request(ctx, http.MethodPost, "crm.deal.contact.items.get", form, nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Result []Relation `json:"result"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &Error{Message: "decode relations: " + err.Error()}
	}
	return payload.Result, nil
}

// UpdateContact pushes a partial field set back to the remote contact.
func (c *Client) UpdateContact(ctx context.Context, contactID int64, fields any) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return &Error{Message: "encode contact fields: " + err.Error()}
	}
	form := url.Values{}
	form.Set("id", strconv.FormatInt(contactID, 10))
	form.Set("fields", string(encoded))
	_, err = c.request(ctx, http.MethodPost, "crm.contact.update", form, nil)
	return err
}

func listParams(start int, fields []string) url.Values {
	params := url.Values{}
	for i, field := range fields {
		params.Set(fmt.Sprintf("select[%d]", i), field)
	}
	params.Set("order[ID]", "ASC")
	params.Set("start", strconv.Itoa(start))
	return params
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
