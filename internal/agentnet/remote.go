package agentnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jordanhubbard/foundry/pkg/models"
)

// RemoteAgent routes one phase to an agent endpoint over HTTP. The endpoint
// hosts the model-backed agents; this side only ships the network state and
// maps the structured reply onto a phase event.
type RemoteAgent struct {
	role       string
	baseURL    string
	httpClient *http.Client
}

// NewRemoteAgent creates an agent client for the given role
// (planner, coder, tester, reviewer).
func NewRemoteAgent(role, baseURL string, timeout time.Duration) *RemoteAgent {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RemoteAgent{
		role:    role,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Name identifies the agent in the audit trail.
func (a *RemoteAgent) Name() string { return a.role }

// turnReply is the endpoint's structured output. Which fields are required
// depends on the role the turn was routed to.
type turnReply struct {
	Plan      string              `json:"plan,omitempty"`
	Files     map[string]string   `json:"files,omitempty"`
	Summary   string              `json:"summary,omitempty"`
	Results   *models.TestResults `json:"results,omitempty"`
	Review    *models.CodeReview  `json:"review,omitempty"`
	Reasoning string              `json:"reasoning"`
}

// Execute posts the current state to the endpoint and returns the phase
// event its reply describes. A reply missing the field its role must
// produce fails the turn.
func (a *RemoteAgent) Execute(ctx context.Context, sb Sandbox, state models.NetworkState) (Event, error) {
	var reply turnReply
	if err := a.post(ctx, "/v1/agents/"+a.role+"/turn", state, &reply); err != nil {
		return nil, err
	}

	switch a.role {
	case "planner":
		if reply.Plan == "" {
			return nil, fmt.Errorf("agent %s returned no plan", a.role)
		}
		return PlanProduced{Agent: a.role, Plan: reply.Plan, Reasoning: reply.Reasoning}, nil
	case "coder":
		if reply.Summary == "" {
			return nil, fmt.Errorf("agent %s returned no summary", a.role)
		}
		return CodeProduced{Agent: a.role, Files: reply.Files, Summary: reply.Summary, Reasoning: reply.Reasoning}, nil
	case "tester":
		if reply.Results == nil {
			return nil, fmt.Errorf("agent %s returned no test results", a.role)
		}
		return TestsRan{Agent: a.role, Results: *reply.Results, Reasoning: reply.Reasoning}, nil
	case "reviewer":
		if reply.Review == nil {
			return nil, fmt.Errorf("agent %s returned no review", a.role)
		}
		return ReviewDone{Agent: a.role, Review: *reply.Review, Reasoning: reply.Reasoning}, nil
	}
	return nil, fmt.Errorf("unknown agent role %q", a.role)
}

// RemoteVoteCaster gathers council votes from the same agent endpoint.
type RemoteVoteCaster struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteVoteCaster creates a council-vote client.
func NewRemoteVoteCaster(baseURL string, timeout time.Duration) *RemoteVoteCaster {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &RemoteVoteCaster{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// CastVotes requests one vote per council member for the task. An endpoint
// that has no opinion returns an empty set; the caller substitutes the
// fallback ballot.
func (c *RemoteVoteCaster) CastVotes(ctx context.Context, sb Sandbox, task models.TaskSpec) ([]models.AgentVote, error) {
	var reply struct {
		Votes []models.AgentVote `json:"votes"`
	}
	remote := remoteCall{baseURL: c.baseURL, httpClient: c.httpClient}
	if err := remote.post(ctx, "/v1/council/votes", task, &reply); err != nil {
		return nil, err
	}
	return reply.Votes, nil
}

func (a *RemoteAgent) post(ctx context.Context, path string, body, out interface{}) error {
	remote := remoteCall{baseURL: a.baseURL, httpClient: a.httpClient}
	return remote.post(ctx, path, body, out)
}

// remoteCall is the shared HTTP plumbing for agent endpoint requests.
type remoteCall struct {
	baseURL    string
	httpClient *http.Client
}

func (r remoteCall) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding agent reply: %w", err)
		}
	}
	return nil
}
