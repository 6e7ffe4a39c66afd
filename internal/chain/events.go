package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event is a decoded escrow or token log. The concrete types below are the
// complete set; switch on them exhaustively.
type Event interface {
	EventName() string
	isEvent()
}

// Role names carried by ParticipantRegistered.
const (
	RoleSeller            = "seller"
	RoleBuyer             = "buyer"
	RoleLogisticsProvider = "logistics_provider"
)

type ParticipantRegistered struct {
	Role    string
	Account common.Address
}

type TradeCreated struct {
	TradeID       TradeID
	Seller        common.Address
	ProductCost   *big.Int
	TotalQuantity uint64
}

type PurchaseCreated struct {
	PurchaseID  PurchaseID
	TradeID     TradeID
	Buyer       common.Address
	Quantity    uint64
	TotalAmount *big.Int
}

type DeliveryConfirmed struct {
	PurchaseID        PurchaseID
	LogisticsProvider common.Address
}

type PurchaseConfirmed struct {
	PurchaseID PurchaseID
	Buyer      common.Address
}

type PurchaseCancelled struct {
	PurchaseID PurchaseID
	Buyer      common.Address
}

type DisputeRaised struct {
	PurchaseID PurchaseID
	Initiator  common.Address
}

type DisputeResolved struct {
	PurchaseID PurchaseID
	Winner     common.Address
}

type EscrowFeesWithdrawn struct {
	To     common.Address
	Amount *big.Int
}

type Approval struct {
	Owner   common.Address
	Spender common.Address
	Value   *big.Int
}

type Transfer struct {
	From  common.Address
	To    common.Address
	Value *big.Int
}

func (ParticipantRegistered) EventName() string { return "ParticipantRegistered" }
func (TradeCreated) EventName() string          { return "TradeCreated" }
func (PurchaseCreated) EventName() string       { return "PurchaseCreated" }
func (DeliveryConfirmed) EventName() string     { return "DeliveryConfirmed" }
func (PurchaseConfirmed) EventName() string     { return "PurchaseConfirmed" }
func (PurchaseCancelled) EventName() string     { return "PurchaseCancelled" }
func (DisputeRaised) EventName() string         { return "DisputeRaised" }
func (DisputeResolved) EventName() string       { return "DisputeResolved" }
func (EscrowFeesWithdrawn) EventName() string   { return "EscrowFeesWithdrawn" }
func (Approval) EventName() string              { return "Approval" }
func (Transfer) EventName() string              { return "Transfer" }

func (ParticipantRegistered) isEvent() {}
func (TradeCreated) isEvent()          {}
func (PurchaseCreated) isEvent()       {}
func (DeliveryConfirmed) isEvent()     {}
func (PurchaseConfirmed) isEvent()     {}
func (PurchaseCancelled) isEvent()     {}
func (DisputeRaised) isEvent()         {}
func (DisputeResolved) isEvent()       {}
func (EscrowFeesWithdrawn) isEvent()   {}
func (Approval) isEvent()              {}
func (Transfer) isEvent()              {}

// DecodeEvents decodes every escrow and token log in receipt. Logs from
// other contracts, or with unknown signatures, are skipped.
func (c *Client) DecodeEvents(receipt *types.Receipt) ([]Event, error) {
	var events []Event
	for _, log := range receipt.Logs {
		ev, ok, err := c.decodeLog(log)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// DecodeGeneratedID finds the first escrow log named eventName in receipt and
// returns its numeric field. A receipt without that event yields
// ErrMissingExpectedEvent.
func (c *Client) DecodeGeneratedID(receipt *types.Receipt, eventName, field string) (*big.Int, error) {
	ev, ok := escrowABI.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %s", ErrInvalidArguments, eventName)
	}
	for _, log := range receipt.Logs {
		if log.Address != c.escrow || len(log.Topics) == 0 || log.Topics[0] != ev.ID {
			continue
		}
		fields, err := decodeFields(&escrowABI, &ev, log)
		if err != nil {
			return nil, &CallError{Op: "decode", Method: eventName, TxHash: receipt.TxHash.Hex(), Err: err}
		}
		if v, ok := fields[field].(*big.Int); ok {
			return v, nil
		}
	}
	return nil, &CallError{Op: "decode", Method: eventName, TxHash: receipt.TxHash.Hex(), Err: ErrMissingExpectedEvent}
}

func (c *Client) decodeLog(log *types.Log) (Event, bool, error) {
	if len(log.Topics) == 0 {
		return nil, false, nil
	}
	var parsed *abi.ABI
	switch log.Address {
	case c.escrow:
		parsed = &escrowABI
	case c.token:
		parsed = &tokenABI
	default:
		return nil, false, nil
	}
	ev, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return nil, false, nil
	}
	f, err := decodeFields(parsed, ev, log)
	if err != nil {
		return nil, false, fmt.Errorf("chain: decode %s: %w", ev.Name, err)
	}

	switch ev.Name {
	case "SellerRegistered":
		return ParticipantRegistered{Role: RoleSeller, Account: addrField(f, "account")}, true, nil
	case "BuyerRegistered":
		return ParticipantRegistered{Role: RoleBuyer, Account: addrField(f, "account")}, true, nil
	case "LogisticsProviderRegistered":
		return ParticipantRegistered{Role: RoleLogisticsProvider, Account: addrField(f, "account")}, true, nil
	case "TradeCreated":
		return TradeCreated{
			TradeID:       TradeID(bigField(f, "tradeId").Uint64()),
			Seller:        addrField(f, "seller"),
			ProductCost:   bigField(f, "productCost"),
			TotalQuantity: bigField(f, "totalQuantity").Uint64(),
		}, true, nil
	case "PurchaseCreated":
		return PurchaseCreated{
			PurchaseID:  PurchaseID(bigField(f, "purchaseId").Uint64()),
			TradeID:     TradeID(bigField(f, "tradeId").Uint64()),
			Buyer:       addrField(f, "buyer"),
			Quantity:    bigField(f, "quantity").Uint64(),
			TotalAmount: bigField(f, "totalAmount"),
		}, true, nil
	case "DeliveryConfirmed":
		return DeliveryConfirmed{
			PurchaseID:        PurchaseID(bigField(f, "purchaseId").Uint64()),
			LogisticsProvider: addrField(f, "logisticsProvider"),
		}, true, nil
	case "PurchaseConfirmed":
		return PurchaseConfirmed{PurchaseID: PurchaseID(bigField(f, "purchaseId").Uint64()), Buyer: addrField(f, "buyer")}, true, nil
	case "PurchaseCancelled":
		return PurchaseCancelled{PurchaseID: PurchaseID(bigField(f, "purchaseId").Uint64()), Buyer: addrField(f, "buyer")}, true, nil
	case "DisputeRaised":
		return DisputeRaised{PurchaseID: PurchaseID(bigField(f, "purchaseId").Uint64()), Initiator: addrField(f, "initiator")}, true, nil
	case "DisputeResolved":
		return DisputeResolved{PurchaseID: PurchaseID(bigField(f, "purchaseId").Uint64()), Winner: addrField(f, "winner")}, true, nil
	case "EscrowFeesWithdrawn":
		return EscrowFeesWithdrawn{To: addrField(f, "to"), Amount: bigField(f, "amount")}, true, nil
	case "Approval":
		return Approval{Owner: addrField(f, "owner"), Spender: addrField(f, "spender"), Value: bigField(f, "value")}, true, nil
	case "Transfer":
		return Transfer{From: addrField(f, "from"), To: addrField(f, "to"), Value: bigField(f, "value")}, true, nil
	}
	return nil, false, nil
}

func decodeFields(parsed *abi.ABI, ev *abi.Event, log *types.Log) (map[string]any, error) {
	fields := make(map[string]any)
	if len(log.Data) > 0 {
		if err := parsed.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
			return nil, err
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, err
	}
	return fields, nil
}

func bigField(f map[string]any, name string) *big.Int {
	if v, ok := f[name].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

func addrField(f map[string]any, name string) common.Address {
	v, _ := f[name].(common.Address)
	return v
}
