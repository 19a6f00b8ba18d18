package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Agos-Inc/agos-marketplace/internal/order"
)

// The openclaw surface is an alias vocabulary over the same store: a listing
// is a service, a purchase is an order. Agent-facing clients speak these
// terms; nothing here adds state.

type Listing struct {
	ListingID      string `json:"listing_id"`
	ListingIDHex   string `json:"listing_id_hex"`
	Title          string `json:"title"`
	Description    string `json:"description"`
	PriceUSDT      string `json:"price_usdt"`
	PriceAtomic    string `json:"price_atomic"`
	TokenDecimals  int    `json:"token_decimals"`
	SupplierWallet string `json:"supplier_wallet"`
	Endpoint       string `json:"endpoint"`
	Version        string `json:"version"`
	IsActive       bool   `json:"is_active"`
}

type Purchase struct {
	PurchaseID     string         `json:"purchase_id"`
	PurchaseIDHex  string         `json:"purchase_id_hex"`
	ListingID      string         `json:"listing_id"`
	ListingIDHex   string         `json:"listing_id_hex"`
	BuyerWallet    string         `json:"buyer_wallet"`
	SupplierWallet string         `json:"supplier_wallet"`
	AmountUSDT     string         `json:"amount_usdt"`
	AmountAtomic   string         `json:"amount_atomic"`
	TokenDecimals  int            `json:"token_decimals"`
	TokenAddress   string         `json:"token_address"`
	ChainID        int64          `json:"chain_id"`
	Status         order.Status   `json:"status"`
	TxHash         *string        `json:"tx_hash"`
	ErrorMessage   *string        `json:"error_message"`
	ResultPayload  map[string]any `json:"result_payload"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

type PreparePayment struct {
	PurchaseID           string `json:"purchase_id"`
	PurchaseIDHex        string `json:"purchase_id_hex"`
	ListingID            string `json:"listing_id"`
	ListingIDHex         string `json:"listing_id_hex"`
	ChainID              int64  `json:"chain_id"`
	TokenAddress         string `json:"token_address"`
	PaymentRouterAddress string `json:"payment_router_address"`
	AmountAtomic         string `json:"amount_atomic"`
	SupplierWallet       string `json:"supplier_wallet"`
}

func (s *Server) openclawRoutes() {
	s.mux.HandleFunc("GET /v1/openclaw/listings", s.listListings)
	s.mux.HandleFunc("GET /v1/openclaw/listings/{listing_id}", s.getListing)
	s.mux.HandleFunc("POST /v1/openclaw/purchases", s.createPurchase)
	s.mux.HandleFunc("GET /v1/openclaw/purchases/{purchase_id}", s.getPurchase)
	s.mux.HandleFunc("GET /v1/openclaw/purchases/by-hex/{purchase_id_hex}", s.getPurchaseByHex)
	s.mux.HandleFunc("POST /v1/openclaw/purchases/{purchase_id}/prepare-payment", s.preparePayment)
}

func listingFromService(svc order.Service) Listing {
	return Listing{
		ListingID:      svc.ServiceID,
		ListingIDHex:   svc.ServiceIDHex,
		Title:          svc.Name,
		Description:    svc.Description,
		PriceUSDT:      svc.PriceUSDT,
		PriceAtomic:    svc.PriceAtomic,
		TokenDecimals:  svc.TokenDecimals,
		SupplierWallet: svc.SupplierWallet,
		Endpoint:       svc.Endpoint,
		Version:        svc.Version,
		IsActive:       svc.IsActive,
	}
}

func purchaseFromOrder(o order.Order) Purchase {
	return Purchase{
		PurchaseID:     o.OrderID,
		PurchaseIDHex:  o.OrderIDHex,
		ListingID:      o.ServiceID,
		ListingIDHex:   o.ServiceIDHex,
		BuyerWallet:    o.BuyerWallet,
		SupplierWallet: o.SupplierWallet,
		AmountUSDT:     o.AmountUSDT,
		AmountAtomic:   o.AmountAtomic,
		TokenDecimals:  o.TokenDecimals,
		TokenAddress:   o.TokenAddress,
		ChainID:        o.ChainID,
		Status:         o.Status,
		TxHash:         o.TxHash,
		ErrorMessage:   o.ErrorMessage,
		ResultPayload:  o.ResultPayload,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func (s *Server) listListings(w http.ResponseWriter, r *http.Request) {
	services, err := s.store.ListServices(r.Context())
	if err != nil {
		s.logger.Error("list listings", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	listings := make([]Listing, 0, len(services))
	for _, svc := range services {
		listings = append(listings, listingFromService(svc))
	}
	writeJSON(w, http.StatusOK, listings)
}

func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	svc, err := s.store.GetService(r.Context(), r.PathValue("listing_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listingFromService(svc))
}

func (s *Server) createPurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ListingID    string         `json:"listing_id"`
		BuyerWallet  string         `json:"buyer_wallet"`
		InputPayload map[string]any `json:"input_payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	o, err := s.store.CreateOrder(r.Context(), order.CreateOrderRequest{
		ServiceID:    req.ListingID,
		BuyerWallet:  req.BuyerWallet,
		InputPayload: req.InputPayload,
	}, s.cfg.TokenAddress, s.cfg.ChainID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, purchaseFromOrder(o))
}

func (s *Server) getPurchase(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), r.PathValue("purchase_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseFromOrder(o))
}

func (s *Server) getPurchaseByHex(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrderByHex(r.Context(), r.PathValue("purchase_id_hex"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, purchaseFromOrder(o))
}

func (s *Server) preparePayment(w http.ResponseWriter, r *http.Request) {
	o, err := s.store.GetOrder(r.Context(), r.PathValue("purchase_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PreparePayment{
		PurchaseID:           o.OrderID,
		PurchaseIDHex:        o.OrderIDHex,
		ListingID:            o.ServiceID,
		ListingIDHex:         o.ServiceIDHex,
		ChainID:              o.ChainID,
		TokenAddress:         o.TokenAddress,
		PaymentRouterAddress: s.cfg.RouterAddress,
		AmountAtomic:         o.AmountAtomic,
		SupplierWallet:       o.SupplierWallet,
	})
}
