package fetchlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fetchline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// FetchTarget mirrors the API target model.
type FetchTarget struct {
	Type             string `json:"type"`
	ObjectID         string `json:"object_id,omitempty"`
	TargetID         string `json:"target_id"`
	Slot             string `json:"slot,omitempty"`
	ConditionalIndex *int   `json:"conditional_index,omitempty"`
}

// PlanItem is one target-level classification.
type PlanItem struct {
	Target         FetchTarget `json:"target"`
	Classification string      `json:"classification"`
	Detail         string      `json:"detail,omitempty"`
}

// PlannerResult mirrors the analyse response body.
type PlannerResult struct {
	Status               string     `json:"status"`
	Outcome              string     `json:"outcome"`
	FetchPlanItems       []PlanItem `json:"fetch_plan_items"`
	AutoAggregationItems []PlanItem `json:"auto_aggregation_items"`
	StaleCandidates      []PlanItem `json:"stale_candidates"`
	UnfetchableGaps      []PlanItem `json:"unfetchable_gaps"`
	AnalysisContext      struct {
		DSL       string `json:"dsl"`
		Timestamp string `json:"timestamp"`
	} `json:"analysis_context"`
	Summaries struct {
		ButtonTooltip string `json:"button_tooltip"`
		ShowToast     bool   `json:"show_toast"`
		ToastMessage  string `json:"toast_message,omitempty"`
	} `json:"summaries"`
}

// Analyse classifies coverage of dsl against the stored graph.
func (c *Client) Analyse(ctx context.Context, graphID, dsl, reason string) (PlannerResult, error) {
	var out PlannerResult
	body := map[string]string{"graph_id": graphID, "dsl": dsl, "reason": reason}
	err := c.do(ctx, http.MethodPost, "/analyse", body, &out)
	return out, err
}

// Targets enumerates the addressable slots of a graph.
func (c *Client) Targets(ctx context.Context, graphID string) ([]FetchTarget, error) {
	var out struct {
		Targets []FetchTarget `json:"targets"`
	}
	path := fmt.Sprintf("/graphs/%s/targets", url.PathEscape(graphID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Targets, err
}

// InvalidateCache clears all memoized planner results.
func (c *Client) InvalidateCache(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/cache/invalidate", nil, nil)
}

// Health pings the API.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	base := strings.TrimRight(c.BaseURL, "/")
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+"/v0"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	} else if c.ActorID != "" {
		req.Header.Set("X-Actor-ID", c.ActorID)
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
