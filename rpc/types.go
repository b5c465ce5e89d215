package rpc

import (
	"slingmarket/core"
)

// ListingResult is the RPC shape of a market listing.
type ListingResult struct {
	VendorID string `json:"vendorId"`
	Price    string `json:"price"`
	Title    string `json:"title"`
	ID       string `json:"id"`
	Expiry   uint64 `json:"expiry"`
}

// BuyRequestResult is the RPC shape of a buy request.
type BuyRequestResult struct {
	ID        string `json:"id"`
	ListingID string `json:"listingId"`
	Status    string `json:"status"`
	CreatedAt uint64 `json:"createdAt"`
}

// SellResult carries the derived id of a freshly published listing.
type SellResult struct {
	ID string `json:"id"`
}

// ApproveResult summarises the escrow provisioned by an approval.
type ApproveResult struct {
	AcceptID      string `json:"acceptId"`
	EscrowAddress string `json:"escrowAddress"`
}

func listingResults(summaries []core.ListingSummary) []ListingResult {
	out := make([]ListingResult, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, ListingResult{
			VendorID: s.VendorID,
			Price:    s.Price.String(),
			Title:    s.Title,
			ID:       s.ID,
			Expiry:   s.Expiry,
		})
	}
	return out
}

func requestResults(summaries []core.RequestSummary) []BuyRequestResult {
	out := make([]BuyRequestResult, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, BuyRequestResult{
			ID:        s.ID,
			ListingID: s.ListingID,
			Status:    s.Status,
			CreatedAt: s.CreatedAt,
		})
	}
	return out
}
