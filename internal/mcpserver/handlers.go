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
	client *EscrowdClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowdClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTransaction fetches a transaction.
func (h *Handlers) HandleGetTransaction(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetTransaction(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transaction: %v", err)), nil
	}

	text, err := formatTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetTransactionHistory fetches the event log.
func (h *Handlers) HandleGetTransactionHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.GetEvents(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListPartyTransactions lists a party's transactions.
func (h *Handlers) HandleListPartyTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	partyID := req.GetString("party_id", "")
	if partyID == "" {
		return mcp.NewToolResultError("party_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListPartyTransactions(ctx, partyID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactionList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetOffer fetches an offer.
func (h *Handlers) HandleGetOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("offer_id", "")
	if id == "" {
		return mcp.NewToolResultError("offer_id is required"), nil
	}

	raw, err := h.client.GetOffer(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get offer: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleResolveDispute records the arbiter's ruling.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	outcome := req.GetString("outcome", "")
	if outcome != "release" && outcome != "refund" {
		return mcp.NewToolResultError("outcome must be 'release' or 'refund'"), nil
	}
	note := req.GetString("note", "")

	raw, err := h.client.ResolveDispute(ctx, id, outcome, note)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Resolution failed: %v", err)), nil
	}

	txn, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute on %s resolved: %s\n", id, outcome)
	fmt.Fprintf(&sb, "Final status: %s\n", txn.Status)
	if outcome == "release" {
		fmt.Fprintf(&sb, "Seller receives %s minus the platform fee (%d bps).\n", txn.Amount, txn.PlatformFeeBps)
	} else {
		fmt.Fprintf(&sb, "Buyer refunded the full %s.\n", txn.Amount)
	}
	sb.WriteString("The ruling is final.")

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSeedOffer registers an accepted offer.
func (h *Handlers) HandleSeedOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.client.cfg.AdminSecret == "" {
		return mcp.NewToolResultError("admin secret not configured, seed_offer is disabled"), nil
	}
	buyerID := req.GetString("buyer_id", "")
	if buyerID == "" {
		return mcp.NewToolResultError("buyer_id is required"), nil
	}
	sellerID := req.GetString("seller_id", "")
	if sellerID == "" {
		return mcp.NewToolResultError("seller_id is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	description := req.GetString("description", "")

	raw, err := h.client.SeedOffer(ctx, buyerID, sellerID, amount, description)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to seed offer: %v", err)), nil
	}

	offerID, err := extractOfferID(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offer: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Offer %s registered: %s pays %s to %s.\n"+
			"The buyer can now open an escrow transaction against it.",
		offerID, buyerID, amount, sellerID)), nil
}

// HandleCapturePayment manually captures a payment.
func (h *Handlers) HandleCapturePayment(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if h.client.cfg.AdminSecret == "" {
		return mcp.NewToolResultError("admin secret not configured, capture_payment is disabled"), nil
	}
	id := req.GetString("transaction_id", "")
	if id == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}

	raw, err := h.client.CapturePayment(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Capture failed: %v", err)), nil
	}

	txn, err := parseTransaction(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transaction: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Payment captured for %s.\nStatus: %s\nFunds held: %s",
		id, txn.Status, txn.Amount)), nil
}

// --- Formatting helpers ---

type txnInfo struct {
	ID                string     `json:"id"`
	OfferID           string     `json:"offerId"`
	BuyerID           string     `json:"buyerId"`
	SellerID          string     `json:"sellerId"`
	Amount            string     `json:"amount"`
	PlatformFeeBps    int        `json:"platformFeeBps"`
	Status            string     `json:"status"`
	Deliverables      []fileInfo `json:"deliverables"`
	ReviewDeadline    string     `json:"reviewDeadline"`
	RevisionCount     int        `json:"revisionCount"`
	DisputeReason     string     `json:"disputeReason"`
	DisputeResolution string     `json:"disputeResolution"`
	CreatedAt         string     `json:"createdAt"`
}

type fileInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	StorageRef string `json:"storageRef"`
}

func parseTransaction(raw json.RawMessage) (*txnInfo, error) {
	var wrapper struct {
		Transaction *txnInfo `json:"transaction"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Transaction != nil {
		return wrapper.Transaction, nil
	}

	var txn txnInfo
	if err := json.Unmarshal(raw, &txn); err != nil || txn.ID == "" {
		return nil, fmt.Errorf("unexpected transaction response format")
	}
	return &txn, nil
}

func formatTransaction(raw json.RawMessage) (string, error) {
	txn, err := parseTransaction(raw)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction %s\n", txn.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", txn.Status)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", txn.BuyerID)
	fmt.Fprintf(&sb, "  Seller: %s\n", txn.SellerID)
	fmt.Fprintf(&sb, "  Amount: %s\n", txn.Amount)
	if txn.OfferID != "" {
		fmt.Fprintf(&sb, "  Offer:  %s\n", txn.OfferID)
	}
	if txn.ReviewDeadline != "" {
		fmt.Fprintf(&sb, "  Review deadline: %s\n", txn.ReviewDeadline)
	}
	if txn.RevisionCount > 0 {
		fmt.Fprintf(&sb, "  Revisions: %d\n", txn.RevisionCount)
	}
	if txn.DisputeReason != "" {
		fmt.Fprintf(&sb, "  Dispute reason: %s\n", txn.DisputeReason)
	}
	if txn.DisputeResolution != "" {
		fmt.Fprintf(&sb, "  Dispute resolution: %s\n", txn.DisputeResolution)
	}
	if len(txn.Deliverables) > 0 {
		sb.WriteString("  Delivered files:\n")
		for _, f := range txn.Deliverables {
			fmt.Fprintf(&sb, "    %s (%d bytes) %s\n", f.Name, f.Size, f.StorageRef)
		}
	}
	return sb.String(), nil
}

func formatTransactionList(raw json.RawMessage) (string, error) {
	var resp struct {
		Transactions []txnInfo `json:"transactions"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected transactions response format")
	}

	if len(resp.Transactions) == 0 {
		return "No transactions found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d transaction(s):\n\n", len(resp.Transactions))
	for i, t := range resp.Transactions {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, t.ID, t.Status)
		fmt.Fprintf(&sb, "   %s -> %s, %s\n", t.BuyerID, t.SellerID, t.Amount)
		if t.DisputeReason != "" {
			fmt.Fprintf(&sb, "   Dispute: %s\n", t.DisputeReason)
		}
	}
	return sb.String(), nil
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []struct {
			Type    string            `json:"type"`
			From    string            `json:"from"`
			To      string            `json:"to"`
			Actor   string            `json:"actor"`
			Role    string            `json:"role"`
			At      string            `json:"at"`
			Payload map[string]string `json:"payload"`
		} `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}

	if len(resp.Events) == 0 {
		return "No events recorded.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s):\n\n", len(resp.Events))
	for i, e := range resp.Events {
		fmt.Fprintf(&sb, "%d. %s: %s -> %s\n", i+1, e.Type, e.From, e.To)
		actor := e.Actor
		if actor == "" {
			actor = e.Role
		}
		fmt.Fprintf(&sb, "   by %s at %s\n", actor, e.At)
		if payout, ok := e.Payload["payout"]; ok {
			fmt.Fprintf(&sb, "   payout %s, fee %s\n", payout, e.Payload["fee"])
		}
	}
	return sb.String(), nil
}

func extractOfferID(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if offer, ok := resp["offer"].(map[string]any); ok {
		if id, ok := offer["id"].(string); ok {
			return id, nil
		}
	}
	if id, ok := resp["id"].(string); ok {
		return id, nil
	}
	return "", fmt.Errorf("no offer ID in response: %s", string(raw))
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
