package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription(
		"Fetch an escrow transaction by ID. "+
			"Shows the current status, parties, amount, review deadline, and delivered files. "+
			"Use this first when investigating a dispute."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID (e.g. 'txn_a1b2c3...')")),
)

var ToolGetTransactionHistory = mcp.NewTool("get_transaction_history",
	mcp.WithDescription(
		"Fetch the full event log for an escrow transaction. "+
			"Every state transition is recorded with who triggered it and when. "+
			"Use this to reconstruct what happened before ruling on a dispute."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID (e.g. 'txn_a1b2c3...')")),
)

var ToolListPartyTransactions = mcp.NewTool("list_party_transactions",
	mcp.WithDescription(
		"List the escrow transactions a party participates in, newest first. "+
			"Useful for spotting patterns: a seller with many disputes, a buyer who "+
			"always requests revisions at the deadline."),
	mcp.WithString("party_id",
		mcp.Required(),
		mcp.Description("The party ID (e.g. 'pty_a1b2c3...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of transactions to return (default 20)")),
)

var ToolGetOffer = mcp.NewTool("get_offer",
	mcp.WithDescription(
		"Fetch the accepted offer an escrow transaction was opened from. "+
			"Shows the agreed parties, price, and work description."),
	mcp.WithString("offer_id",
		mcp.Required(),
		mcp.Description("The offer ID (e.g. 'off_a1b2c3...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Record a final ruling on a disputed escrow transaction. "+
			"'release' pays the seller minus the platform fee; 'refund' returns the full "+
			"amount to the buyer. The ruling is final and cannot be changed. "+
			"Requires an arbiter API key."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The disputed transaction ID")),
	mcp.WithString("outcome",
		mcp.Required(),
		mcp.Description("The ruling: 'release' (seller wins) or 'refund' (buyer wins)"),
		mcp.Enum("release", "refund")),
	mcp.WithString("note",
		mcp.Description("Explanation of the ruling, recorded in the transaction history")),
)

var ToolSeedOffer = mcp.NewTool("seed_offer",
	mcp.WithDescription(
		"Register an externally accepted offer so a buyer can open an escrow transaction "+
			"against it. Requires the admin secret to be configured."),
	mcp.WithString("buyer_id",
		mcp.Required(),
		mcp.Description("The buyer's party ID (e.g. 'pty_a1b2c3...')")),
	mcp.WithString("seller_id",
		mcp.Required(),
		mcp.Description("The seller's party ID")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("The agreed price as a decimal string (e.g. '150.00')")),
	mcp.WithString("description",
		mcp.Description("What the seller is delivering")),
)

var ToolCapturePayment = mcp.NewTool("capture_payment",
	mcp.WithDescription(
		"Manually mark a transaction's payment as captured, moving it from "+
			"PENDING_PAYMENT to FUNDS_SECURED. Normally the payment processor webhook "+
			"does this; use only when reconciling a confirmed out-of-band payment. "+
			"Requires the admin secret to be configured."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The transaction ID awaiting payment")),
)
