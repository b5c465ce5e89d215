package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"slingmarket/core"
	"slingmarket/escrow"
	"slingmarket/market"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
)

// Server exposes the market command surface over JSON-RPC.
type Server struct {
	node *core.Node
}

func NewServer(node *core.Node) *Server {
	return &Server{node: node}
}

// Handler returns the HTTP routing for the RPC endpoint, health check and
// Prometheus metrics.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/", s.handle)
	return r
}

// Start serves the RPC surface on the given address.
func (s *Server) Start(addr string) error {
	return http.ListenAndServe(addr, s.Handler())
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	switch req.Method {
	case "market_allListings":
		writeResult(w, req.ID, listingResults(s.node.AllListings()))
	case "market_searchListings":
		s.handleSearchListings(w, req)
	case "market_buy":
		s.handleBuy(w, req)
	case "market_approveBuy":
		s.handleApproveBuy(w, r, req)
	case "market_rejectBuy":
		s.handleRejectBuy(w, r, req)
	case "market_myBuyRequests":
		writeResult(w, req.ID, requestResults(s.node.MyBuyRequests()))
	case "market_myListings":
		writeResult(w, req.ID, listingResults(s.node.MyListings()))
	case "market_sell":
		s.handleSell(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) handleSearchListings(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected [queryText]", nil)
		return
	}
	var query string
	if err := json.Unmarshal(req.Params[0], &query); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "queryText must be a string", err.Error())
		return
	}
	writeResult(w, req.ID, listingResults(s.node.SearchListings(query)))
}

func (s *Server) handleBuy(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected [listingId]", nil)
		return
	}
	listingID, rpcErr := parseIDParam(req.Params[0])
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	request, err := s.node.Buy(listingID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, BuyRequestResult{
		ID:        core.EncodeID(request.ID),
		ListingID: core.EncodeID(request.ListingID),
		Status:    request.Status.String(),
		CreatedAt: request.CreatedAt,
	})
}

func (s *Server) handleApproveBuy(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	listingID, requestID, rpcErr := parseIDPair(req.Params)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	accept, err := s.node.ApproveBuy(r.Context(), listingID, requestID)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, ApproveResult{
		AcceptID:      core.EncodeID(accept.ID),
		EscrowAddress: accept.EscrowAddress,
	})
}

func (s *Server) handleRejectBuy(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	listingID, requestID, rpcErr := parseIDPair(req.Params)
	if rpcErr != nil {
		writeError(w, http.StatusBadRequest, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	if _, err := s.node.RejectBuy(r.Context(), listingID, requestID); err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, true)
}

type sellParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Price       string `json:"price"`
}

func (s *Server) handleSell(w http.ResponseWriter, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "expected [listing payload]", nil)
		return
	}
	var params sellParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid listing payload", err.Error())
		return
	}
	price, ok := new(big.Int).SetString(params.Price, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "price must be a decimal integer string", nil)
		return
	}
	listing, err := s.node.Sell(params.Title, params.Description, params.Category, price)
	if err != nil {
		writeMarketError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, SellResult{ID: core.EncodeID(listing.ID)})
}

func parseIDParam(raw json.RawMessage) ([32]byte, *RPCError) {
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return [32]byte{}, &RPCError{Code: codeInvalidParams, Message: "id must be a hex string", Data: err.Error()}
	}
	id, err := core.DecodeID(value)
	if err != nil {
		return [32]byte{}, &RPCError{Code: codeInvalidParams, Message: err.Error()}
	}
	return id, nil
}

func parseIDPair(params []json.RawMessage) ([32]byte, [32]byte, *RPCError) {
	if len(params) != 2 {
		return [32]byte{}, [32]byte{}, &RPCError{Code: codeInvalidParams, Message: "expected [listingId, requestId]"}
	}
	listingID, rpcErr := parseIDParam(params[0])
	if rpcErr != nil {
		return [32]byte{}, [32]byte{}, rpcErr
	}
	requestID, rpcErr := parseIDParam(params[1])
	if rpcErr != nil {
		return [32]byte{}, [32]byte{}, rpcErr
	}
	return listingID, requestID, nil
}

// writeMarketError maps domain failures onto JSON-RPC errors. These are
// local caller errors; gossip-ingestion failures never reach this path.
func writeMarketError(w http.ResponseWriter, id interface{}, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, market.ErrListingNotFound),
		errors.Is(err, market.ErrRequestNotFound):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrListingNotAvailable),
		errors.Is(err, market.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, escrow.ErrFundingFailed):
		status = http.StatusUnprocessableEntity
	}
	writeError(w, status, id, codeServerError, err.Error(), nil)
}
