package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"Gantry/internal/runner"
	"Gantry/internal/workflow"
)

// AgentExecutor runs build jobs by handing the step list to the agent
// process baked into every runner image. The call is synchronous: the
// agent replies when the steps have finished.
type AgentExecutor struct {
	port   int
	client *http.Client
	logger *slog.Logger
}

func NewAgentExecutor(port int, logger *slog.Logger) *AgentExecutor {
	if port <= 0 {
		port = 7117
	}
	return &AgentExecutor{
		port: port,
		// No client timeout: job duration is governed by ctx.
		client: &http.Client{},
		logger: logger.With("component", "agent-executor"),
	}
}

type agentJobRequest struct {
	Workflow   string              `json:"workflow"`
	Coordinate workflow.Coordinate `json:"coordinate"`
	Steps      []workflow.Step     `json:"steps"`
}

type agentJobResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (e *AgentExecutor) Execute(ctx context.Context, inst *runner.Instance, wf *workflow.Descriptor, coord workflow.Coordinate) error {
	if inst.Address == "" {
		return fmt.Errorf("runner %s has no agent address", inst.ID)
	}

	body, err := json.Marshal(agentJobRequest{
		Workflow:   wf.Name,
		Coordinate: coord,
		Steps:      wf.Steps,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s:%d/api/v1/jobs", inst.Address, e.port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	e.logger.Debug("submitting job to agent", "runner", inst.ID, "coordinate", coord.String())

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}

	var out agentJobResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("invalid agent response: %w", err)
	}
	if out.Status != "passed" {
		return fmt.Errorf("job %s: %s", out.Status, out.Detail)
	}
	return nil
}
