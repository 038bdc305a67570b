package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the relayer MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolRegisterCommitment = mcp.NewTool("register_commitment",
	mcp.WithDescription(
		"Register a seller commitment in the asset pool. The commitment hash is derived "+
			"from the first number in the description, so 'order 42' and '#42' are the same commitment. "+
			"Waits for ledger confirmation."),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in the token's smallest unit, as a base-10 integer (e.g. '1000000')")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("Free-text description containing the commitment number")),
)

var ToolProveCommitment = mcp.NewTool("prove_commitment",
	mcp.WithDescription(
		"Submit a Groth16 proof that a registered commitment was paid. "+
			"Returns the new accumulator root and the Merkle path of the commitment."),
	mcp.WithObject("proof_data",
		mcp.Required(),
		mcp.Description("Proof as {\"a\":[x,y], \"b\":[[x1,x2],[y1,y2]], \"c\":[x,y]}; elements are decimal or 0x-hex strings")),
	mcp.WithArray("public_signals",
		mcp.Required(),
		mcp.Description("Public signals of the proof, decimal or 0x-hex strings")),
)

var ToolWithdraw = mcp.NewTool("withdraw",
	mcp.WithDescription(
		"Withdraw a proven commitment's funds from the pool. Fails if the ledger does not emit a Withdrawal event."),
	mcp.WithObject("proof_data",
		mcp.Required(),
		mcp.Description("Withdrawal proof, same shape as for prove_commitment")),
	mcp.WithArray("public_signals",
		mcp.Required(),
		mcp.Description("Public signals of the withdrawal proof")),
)

var ToolCommitmentStatus = mcp.NewTool("commitment_status",
	mcp.WithDescription(
		"Look up the recorded lifecycle state (registered, proven, withdrawn) of a commitment."),
	mcp.WithString("commitment",
		mcp.Required(),
		mcp.Description("0x-prefixed 32-byte commitment hash, or the description it was registered with")),
)

var ToolRunPayouts = mcp.NewTool("run_payouts",
	mcp.WithDescription(
		"Run one payout reconciliation: scan SellerPayouts events since the checkpoint, "+
			"send one PayPal batch, and advance the checkpoint once PayPal accepts it. Safe to repeat."),
)

var ToolPayoutHistory = mcp.NewTool("payout_history",
	mcp.WithDescription("List recent payout dispatches and the current checkpoint."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of dispatches to return (default 20)")),
)

var ToolRelayerHealth = mcp.NewTool("relayer_health",
	mcp.WithDescription("Check the relayer's ledger, database, and PayPal connectivity."),
)
