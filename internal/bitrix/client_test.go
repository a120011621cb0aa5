package bitrix

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
)

const testBase = "https://example.bitrix24.ru/rest/1/testtoken/"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewClient(Options{
		WebhookBase: testBase,
		Domain:      "example.bitrix24.ru",
		HTTPClient:  httpClient,
	})
}

func TestRetryAfterOverload(t *testing.T) {
	client := newTestClient(t)

	calls := 0
	httpmock.RegisterResponder("GET", testBase+"crm.status.list",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return httpmock.NewStringResponse(http.StatusServiceUnavailable, "overloaded"), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"result":[{"STATUS_ID":"NEW","NAME":"New"}]}`), nil
		})

	stages, err := client.ListStages(context.Background(), "DEAL_STAGE")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
	if len(stages) != 1 || stages[0].StatusID != "NEW" {
		t.Errorf("unexpected stages: %+v", stages)
	}
}

func TestOverloadRetryStopsOnContextCancel(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", testBase+"crm.status.list",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "overloaded"))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := client.ListStages(ctx, "DEAL_STAGE")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEmbeddedErrorNormalized(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", testBase+"crm.deal.list",
		httpmock.NewStringResponder(http.StatusOK,
			`{"error":"QUERY_LIMIT_EXCEEDED","error_description":"Too many requests"}`))

	_, err := client.ListDealsPage(context.Background(), 0)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Message != "Too many requests" {
		t.Errorf("expected description as message, got %q", apiErr.Message)
	}
}

func TestNonSuccessStatusIsPermanent(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", testBase+"crm.deal.list",
		httpmock.NewStringResponder(http.StatusUnauthorized, "invalid token"))

	_, err := client.ListDealsPage(context.Background(), 0)
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", apiErr.Status)
	}
	if httpmock.GetTotalCallCount() != 1 {
		t.Errorf("permanent failure must not be retried, got %d calls", httpmock.GetTotalCallCount())
	}
}

func TestListDealsPageQueryShape(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", testBase+"crm.deal.list",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			if q.Get("select[0]") != "ID" || q.Get("select[1]") != "TITLE" {
				t.Errorf("unexpected select params: %v", q)
			}
			if q.Get("order[ID]") != "ASC" {
				t.Errorf("expected order[ID]=ASC, got %q", q.Get("order[ID]"))
			}
			if q.Get("start") != "50" {
				t.Errorf("expected start=50, got %q", q.Get("start"))
			}
			return httpmock.NewStringResponse(http.StatusOK,
				`{"result":[{"ID":"51","TITLE":"Deal 51","STAGE_ID":"NEW","CATEGORY_ID":"2","CONTACT_ID":"7"}],"next":100,"total":1234}`), nil
		})

	page, err := client.ListDealsPage(context.Background(), 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Deals) != 1 {
		t.Fatalf("expected 1 deal, got %d", len(page.Deals))
	}
	deal := page.Deals[0]
	if deal.ID.Int64() != 51 || deal.CategoryID.Int64() != 2 || deal.ContactID.Int64() != 7 {
		t.Errorf("quoted numeric ids not decoded: %+v", deal)
	}
	if page.Next == nil || *page.Next != 100 {
		t.Errorf("expected next=100, got %v", page.Next)
	}
}

func TestListContactsByIDsFilterShape(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", testBase+"crm.contact.list",
		func(req *http.Request) (*http.Response, error) {
			q := req.URL.Query()
			if q.Get("filter[@ID][0]") != "10" || q.Get("filter[@ID][1]") != "20" {
				t.Errorf("unexpected id filter: %v", q)
			}
			return httpmock.NewStringResponse(http.StatusOK,
				`{"result":[{"ID":"10","NAME":"Alice","PHONE":[{"ID":"1","VALUE":"+79123456789","VALUE_TYPE":"WORK"}]}]}`), nil
		})

	contacts, err := client.ListContactsByIDs(context.Background(), []int64{10, 20})
	if err != nil {
		t.Fatal(err)
	}
	if len(contacts) != 1 || contacts[0].ID.Int64() != 10 {
		t.Fatalf("unexpected contacts: %+v", contacts)
	}
	if len(contacts[0].Phone) != 1 || contacts[0].Phone[0].Value != "+79123456789" {
		t.Errorf("phone multi-field not decoded: %+v", contacts[0].Phone)
	}
}

func TestUpdateContactFormShape(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("POST", testBase+"crm.contact.update",
		func(req *http.Request) (*http.Response, error) {
			if err := req.ParseForm(); err != nil {
				t.Fatal(err)
			}
			if req.PostForm.Get("id") != "7" {
				t.Errorf("expected id=7, got %q", req.PostForm.Get("id"))
			}
			if req.PostForm.Get("fields") != `{"PHONE":[]}` {
				t.Errorf("unexpected fields payload: %q", req.PostForm.Get("fields"))
			}
			return httpmock.NewStringResponse(http.StatusOK, `{"result":true}`), nil
		})

	err := client.UpdateContact(context.Background(), 7, map[string]any{"PHONE": []any{}})
	if err != nil {
		t.Fatal(err)
	}
}

func TestThrottleSpacesRequests(t *testing.T) {
	client := newTestClient(t)

	httpmock.RegisterResponder("GET", testBase+"crm.status.list",
		httpmock.NewStringResponder(http.StatusOK, `{"result":[]}`))

	ctx := context.Background()
	started := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := client.ListStages(ctx, "DEAL_STAGE"); err != nil {
			t.Fatal(err)
		}
	}
	// Three requests means at least two enforced gaps.
	if elapsed := time.Since(started); elapsed < 2*minDelay {
		t.Errorf("requests not throttled, elapsed %s", elapsed)
	}
}

func TestEntityURL(t *testing.T) {
	client := newTestClient(t)
	want := "https://example.bitrix24.ru/crm/deal/details/42/"
	if got := client.EntityURL("deal", 42); got != want {
		t.Errorf("EntityURL = %q, want %q", got, want)
	}
}
