package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RelayerClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RelayerClient) *Handlers {
	return &Handlers{client: client}
}

// HandleRegisterCommitment registers a commitment and waits for confirmation.
func (h *Handlers) HandleRegisterCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetString("amount", "")
	description := req.GetString("description", "")
	if amount == "" || description == "" {
		return mcp.NewToolResultError("amount and description are required"), nil
	}

	raw, err := h.client.RegisterCommitment(ctx, amount, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to register commitment: %v", err)), nil
	}

	var ack map[string]any
	if err := json.Unmarshal(raw, &ack); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Commitment registered.\n  Commitment: %s\n  Amount: %s\n  Transaction: %s",
		getString(ack, "commitmentHash"), amount, getString(ack, "txHash"))), nil
}

// HandleProveCommitment submits a proof and reports the new root.
func (h *Handlers) HandleProveCommitment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proof, signals, errResult := proofArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.ProveCommitment(ctx, proof, signals)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to prove commitment: %v", err)), nil
	}

	text, err := formatProofAck(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleWithdraw submits a withdrawal proof.
func (h *Handlers) HandleWithdraw(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	proof, signals, errResult := proofArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.Withdraw(ctx, proof, signals)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to withdraw: %v", err)), nil
	}

	var ack map[string]any
	if err := json.Unmarshal(raw, &ack); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	text := fmt.Sprintf("Withdrawal confirmed.\n  Transaction: %s", getString(ack, "txHash"))
	if hash := getString(ack, "commitmentHash"); hash != "" {
		text += "\n  Commitment: " + hash
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCommitmentStatus reports a commitment's recorded state.
func (h *Handlers) HandleCommitmentStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	commitment := req.GetString("commitment", "")
	if commitment == "" {
		return mcp.NewToolResultError("commitment is required"), nil
	}

	raw, err := h.client.CommitmentStatus(ctx, commitment)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get commitment: %v", err)), nil
	}

	text, err := formatCommitment(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRunPayouts triggers one reconciliation.
func (h *Handlers) HandleRunPayouts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunPayouts(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Payout run failed: %v", err)), nil
	}

	text, err := formatPayoutResult(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePayoutHistory lists recent dispatches.
func (h *Handlers) HandlePayoutHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.PayoutHistory(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get payout history: %v", err)), nil
	}

	text, err := formatHistory(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRelayerHealth reports subsystem health.
func (h *Handlers) HandleRelayerHealth(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.Health(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Relayer unreachable: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// ---------------------------------------------------------------------------
// Formatting helpers
// ---------------------------------------------------------------------------

func proofArgs(req mcp.CallToolRequest) (any, any, *mcp.CallToolResult) {
	args := req.GetArguments()
	proof, signals := args["proof_data"], args["public_signals"]
	if proof == nil || signals == nil {
		return nil, nil, mcp.NewToolResultError("proof_data and public_signals are required")
	}
	return proof, signals, nil
}

func formatProofAck(raw json.RawMessage) (string, error) {
	var ack struct {
		Root         string   `json:"root"`
		PathElements []string `json:"pathElements"`
		PathIndices  []int    `json:"pathIndices"`
	}
	if err := json.Unmarshal(raw, &ack); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Proof accepted.\n")
	sb.WriteString(fmt.Sprintf("  Root: %s\n", ack.Root))
	sb.WriteString(fmt.Sprintf("  Merkle path (%d levels):\n", len(ack.PathElements)))
	for i, el := range ack.PathElements {
		side := "?"
		if i < len(ack.PathIndices) {
			side = fmt.Sprintf("%d", ack.PathIndices[i])
		}
		sb.WriteString(fmt.Sprintf("    %d. %s [%s]\n", i+1, el, side))
	}
	return sb.String(), nil
}

func formatCommitment(raw json.RawMessage) (string, error) {
	var resp struct {
		Commitment map[string]any `json:"commitment"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	c := resp.Commitment
	if c == nil {
		return "", fmt.Errorf("missing commitment in response")
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Commitment %s\n", getString(c, "commitmentHash")))
	sb.WriteString(fmt.Sprintf("  State: %s\n", getString(c, "state")))
	if amount := getString(c, "amount"); amount != "" {
		sb.WriteString(fmt.Sprintf("  Amount: %s\n", amount))
	}
	for _, k := range []string{"registerTx", "proveTx", "withdrawTx", "root"} {
		if v := getString(c, k); v != "" {
			sb.WriteString(fmt.Sprintf("  %s: %s\n", k, v))
		}
	}
	return sb.String(), nil
}

func formatPayoutResult(raw json.RawMessage) (string, error) {
	var res map[string]any
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}

	settled := getString(res, "settledAmount")
	checkpoint := getString(res, "checkpoint")
	if getString(res, "dispatchId") == "" {
		return fmt.Sprintf("Nothing to pay out. Checkpoint: block %s", checkpoint), nil
	}

	var sb strings.Builder
	if replayed, _ := res["replayed"].(bool); replayed {
		sb.WriteString("Replayed a pending payout batch.\n")
	} else {
		sb.WriteString("Payout batch accepted.\n")
	}
	sb.WriteString(fmt.Sprintf("  Settled: %s\n", settled))
	if n, ok := getFloat(res, "recipients"); ok {
		sb.WriteString(fmt.Sprintf("  Recipients: %d\n", int(n)))
	}
	sb.WriteString(fmt.Sprintf("  Blocks: %s-%s\n", getString(res, "fromBlock"), getString(res, "toBlock")))
	sb.WriteString(fmt.Sprintf("  Dispatch: %s\n", getString(res, "dispatchId")))
	if batch := getString(res, "batchId"); batch != "" {
		sb.WriteString(fmt.Sprintf("  PayPal batch: %s\n", batch))
	}
	sb.WriteString(fmt.Sprintf("  Checkpoint: block %s", checkpoint))
	return sb.String(), nil
}

func formatHistory(raw json.RawMessage) (string, error) {
	var resp struct {
		Checkpoint *uint64          `json:"checkpoint"`
		Dispatches []map[string]any `json:"dispatches"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	var sb strings.Builder
	if resp.Checkpoint != nil {
		sb.WriteString(fmt.Sprintf("Checkpoint: block %d\n", *resp.Checkpoint))
	} else {
		sb.WriteString("Checkpoint: not set\n")
	}
	if len(resp.Dispatches) == 0 {
		sb.WriteString("No payout dispatches yet.")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("%d dispatch(es):\n", len(resp.Dispatches)))
	for i, d := range resp.Dispatches {
		sb.WriteString(fmt.Sprintf("%d. %s [%s] blocks %s-%s total %s\n",
			i+1, getString(d, "id"), getString(d, "status"),
			getString(d, "fromBlock"), getString(d, "toBlock"), getString(d, "total")))
		if e := getString(d, "lastError"); e != "" {
			sb.WriteString(fmt.Sprintf("   last error: %s\n", e))
		}
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%.0f", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
