package chain

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TradeID is the escrow contract's identifier for a trade.
type TradeID uint64

func (id TradeID) Big() *big.Int  { return new(big.Int).SetUint64(uint64(id)) }
func (id TradeID) String() string { return strconv.FormatUint(uint64(id), 10) }

// PurchaseID is the escrow contract's identifier for a purchase.
type PurchaseID uint64

func (id PurchaseID) Big() *big.Int  { return new(big.Int).SetUint64(uint64(id)) }
func (id PurchaseID) String() string { return strconv.FormatUint(uint64(id), 10) }

// Trade is a seller's escrowed listing as stored by the contract.
type Trade struct {
	ID                 TradeID
	Seller             common.Address
	LogisticsProviders []common.Address
	LogisticsCosts     []*big.Int
	ProductCost        *big.Int
	EscrowFee          *big.Int
	TotalQuantity      uint64
	RemainingQuantity  uint64
	Active             bool
	PurchaseIDs        []PurchaseID
}

// LogisticsCost returns the per-unit cost the trade quotes for provider.
func (t *Trade) LogisticsCost(provider common.Address) (*big.Int, bool) {
	for i, p := range t.LogisticsProviders {
		if p == provider && i < len(t.LogisticsCosts) {
			return t.LogisticsCosts[i], true
		}
	}
	return nil, false
}

// Purchase is a buyer's claim against a trade.
type Purchase struct {
	ID                PurchaseID
	TradeID           TradeID
	Buyer             common.Address
	Quantity          uint64
	TotalAmount       *big.Int
	Delivered         bool
	Confirmed         bool
	LogisticsProvider common.Address
	Disputed          bool
}

// GetTrade reads a trade. Unknown ids revert on the contract and surface as
// ErrLedgerRevert.
func (c *Client) GetTrade(ctx context.Context, id TradeID) (*Trade, error) {
	values, err := c.Read(ctx, "getTrade", id.Big())
	if err != nil {
		return nil, err
	}
	var raw struct {
		Seller             common.Address
		LogisticsProviders []common.Address
		LogisticsCosts     []*big.Int
		ProductCost        *big.Int
		EscrowFee          *big.Int
		TotalQuantity      *big.Int
		RemainingQuantity  *big.Int
		Active             bool
		PurchaseIds        []*big.Int
	}
	if err := escrowABI.Methods["getTrade"].Outputs.Copy(&raw, values); err != nil {
		return nil, &CallError{Op: "decode", Method: "getTrade", Err: err}
	}

	t := &Trade{
		ID:                 id,
		Seller:             raw.Seller,
		LogisticsProviders: raw.LogisticsProviders,
		LogisticsCosts:     raw.LogisticsCosts,
		ProductCost:        raw.ProductCost,
		EscrowFee:          raw.EscrowFee,
		TotalQuantity:      raw.TotalQuantity.Uint64(),
		RemainingQuantity:  raw.RemainingQuantity.Uint64(),
		Active:             raw.Active,
	}
	for _, p := range raw.PurchaseIds {
		t.PurchaseIDs = append(t.PurchaseIDs, PurchaseID(p.Uint64()))
	}
	return t, nil
}

// GetPurchase reads a purchase.
func (c *Client) GetPurchase(ctx context.Context, id PurchaseID) (*Purchase, error) {
	values, err := c.Read(ctx, "getPurchase", id.Big())
	if err != nil {
		return nil, err
	}
	var raw struct {
		Id                *big.Int
		TradeId           *big.Int
		Buyer             common.Address
		Quantity          *big.Int
		TotalAmount       *big.Int
		Delivered         bool
		Confirmed         bool
		LogisticsProvider common.Address
		Disputed          bool
	}
	if err := escrowABI.Methods["getPurchase"].Outputs.Copy(&raw, values); err != nil {
		return nil, &CallError{Op: "decode", Method: "getPurchase", Err: err}
	}
	return &Purchase{
		ID:                PurchaseID(raw.Id.Uint64()),
		TradeID:           TradeID(raw.TradeId.Uint64()),
		Buyer:             raw.Buyer,
		Quantity:          raw.Quantity.Uint64(),
		TotalAmount:       raw.TotalAmount,
		Delivered:         raw.Delivered,
		Confirmed:         raw.Confirmed,
		LogisticsProvider: raw.LogisticsProvider,
		Disputed:          raw.Disputed,
	}, nil
}

// LogisticsProviders lists every registered logistics provider.
func (c *Client) LogisticsProviders(ctx context.Context) ([]common.Address, error) {
	values, err := c.Read(ctx, "getLogisticsProviders")
	if err != nil {
		return nil, err
	}
	var out []common.Address
	if err := escrowABI.Methods["getLogisticsProviders"].Outputs.Copy(&out, values); err != nil {
		return nil, &CallError{Op: "decode", Method: "getLogisticsProviders", Err: err}
	}
	return out, nil
}

// SellerTrades lists the trades created by seller.
func (c *Client) SellerTrades(ctx context.Context, seller common.Address) ([]TradeID, error) {
	ids, err := c.readIDs(ctx, "getSellerTrades", seller)
	if err != nil {
		return nil, err
	}
	out := make([]TradeID, len(ids))
	for i, id := range ids {
		out[i] = TradeID(id)
	}
	return out, nil
}

// ProviderTrades lists the trades that quote provider.
func (c *Client) ProviderTrades(ctx context.Context, provider common.Address) ([]TradeID, error) {
	ids, err := c.readIDs(ctx, "getProviderTrades", provider)
	if err != nil {
		return nil, err
	}
	out := make([]TradeID, len(ids))
	for i, id := range ids {
		out[i] = TradeID(id)
	}
	return out, nil
}

// BuyerPurchases lists the purchases made by buyer.
func (c *Client) BuyerPurchases(ctx context.Context, buyer common.Address) ([]PurchaseID, error) {
	ids, err := c.readIDs(ctx, "getBuyerPurchases", buyer)
	if err != nil {
		return nil, err
	}
	out := make([]PurchaseID, len(ids))
	for i, id := range ids {
		out[i] = PurchaseID(id)
	}
	return out, nil
}

func (c *Client) readIDs(ctx context.Context, method string, who common.Address) ([]uint64, error) {
	values, err := c.Read(ctx, method, who)
	if err != nil {
		return nil, err
	}
	var raw []*big.Int
	if err := escrowABI.Methods[method].Outputs.Copy(&raw, values); err != nil {
		return nil, &CallError{Op: "decode", Method: method, Err: err}
	}
	ids := make([]uint64, len(raw))
	for i, v := range raw {
		ids[i] = v.Uint64()
	}
	return ids, nil
}

func (c *Client) RegisterSeller(ctx context.Context) (TxHash, error) {
	return c.Write(ctx, "registerSeller")
}

func (c *Client) RegisterBuyer(ctx context.Context) (TxHash, error) {
	return c.Write(ctx, "registerBuyer")
}

func (c *Client) RegisterLogisticsProvider(ctx context.Context) (TxHash, error) {
	return c.Write(ctx, "registerLogisticsProvider")
}

// CreateTrade submits a new trade. providers and costs are parallel.
func (c *Client) CreateTrade(ctx context.Context, productCost *big.Int, providers []common.Address, costs []*big.Int, totalQuantity uint64) (TxHash, error) {
	return c.Write(ctx, "createTrade", productCost, providers, costs, new(big.Int).SetUint64(totalQuantity))
}

// BuyTrade submits a purchase. The payment token must already be approved
// for the escrow contract.
func (c *Client) BuyTrade(ctx context.Context, id TradeID, quantity uint64, provider common.Address) (TxHash, error) {
	return c.Write(ctx, "buyTrade", id.Big(), new(big.Int).SetUint64(quantity), provider)
}

func (c *Client) ConfirmDelivery(ctx context.Context, id PurchaseID) (TxHash, error) {
	return c.Write(ctx, "confirmDelivery", id.Big())
}

func (c *Client) ConfirmPurchase(ctx context.Context, id PurchaseID) (TxHash, error) {
	return c.Write(ctx, "confirmPurchase", id.Big())
}

func (c *Client) CancelPurchase(ctx context.Context, id PurchaseID) (TxHash, error) {
	return c.Write(ctx, "cancelPurchase", id.Big())
}

func (c *Client) RaiseDispute(ctx context.Context, id PurchaseID) (TxHash, error) {
	return c.Write(ctx, "raiseDispute", id.Big())
}

// ResolveDispute awards the disputed purchase to winner.
func (c *Client) ResolveDispute(ctx context.Context, id PurchaseID, winner common.Address) (TxHash, error) {
	return c.Write(ctx, "resolveDispute", id.Big(), winner)
}

func (c *Client) WithdrawEscrowFees(ctx context.Context) (TxHash, error) {
	return c.Write(ctx, "withdrawEscrowFees")
}

// TradeIDFromReceipt extracts the id announced by TradeCreated.
func (c *Client) TradeIDFromReceipt(receipt *types.Receipt) (TradeID, error) {
	v, err := c.DecodeGeneratedID(receipt, "TradeCreated", "tradeId")
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("chain: trade id %s out of range", v)
	}
	return TradeID(v.Uint64()), nil
}

// PurchaseIDFromReceipt extracts the id announced by PurchaseCreated.
func (c *Client) PurchaseIDFromReceipt(receipt *types.Receipt) (PurchaseID, error) {
	v, err := c.DecodeGeneratedID(receipt, "PurchaseCreated", "purchaseId")
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("chain: purchase id %s out of range", v)
	}
	return PurchaseID(v.Uint64()), nil
}
