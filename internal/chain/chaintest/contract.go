package chaintest

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
)

func (b *Backend) methodOf(to common.Address, data []byte) *abi.Method {
	if len(data) < 4 {
		return nil
	}
	var parsed *abi.ABI
	switch to {
	case EscrowAddress:
		parsed = &b.escrow
	case TokenAddress:
		parsed = &b.token
	default:
		return nil
	}
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil
	}
	return m
}

// execute runs a state-changing call. With commit false it only validates.
func (b *Backend) execute(from, to common.Address, data []byte, commit bool) ([]*types.Log, error) {
	m := b.methodOf(to, data)
	if m == nil {
		return nil, revert("unknown function")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, revert("bad calldata: %v", err)
	}

	if to == TokenAddress {
		return b.executeToken(from, m.Name, args, commit)
	}
	return b.executeEscrow(from, m.Name, args, commit)
}

func (b *Backend) executeToken(from common.Address, method string, args []any, commit bool) ([]*types.Log, error) {
	switch method {
	case "approve":
		spender, value := args[0].(common.Address), args[1].(*big.Int)
		if !commit {
			return nil, nil
		}
		if b.StaleAllowanceReads > 0 {
			b.stale[from] = &staleRead{value: new(big.Int).Set(b.allowance(from, spender)), remaining: b.StaleAllowanceReads}
		}
		b.setAllowance(from, spender, value)
		return []*types.Log{b.tokenLog("Approval", []common.Hash{addrTopic(from), addrTopic(spender)}, value)}, nil
	case "transferFrom":
		owner, to, value := args[0].(common.Address), args[1].(common.Address), args[2].(*big.Int)
		if err := b.pull(owner, from, value, commit); err != nil {
			return nil, err
		}
		if !commit {
			return nil, nil
		}
		b.debit(owner, value)
		b.credit(to, value)
		return []*types.Log{b.tokenLog("Transfer", []common.Hash{addrTopic(owner), addrTopic(to)}, value)}, nil
	}
	return nil, revert("%s is not callable", method)
}

func (b *Backend) executeEscrow(from common.Address, method string, args []any, commit bool) ([]*types.Log, error) {
	switch method {
	case "registerSeller", "registerBuyer", "registerLogisticsProvider":
		if !commit {
			return nil, nil
		}
		return []*types.Log{b.register(from, method)}, nil

	case "createTrade":
		cost := args[0].(*big.Int)
		providers := args[1].([]common.Address)
		costs := args[2].([]*big.Int)
		qty := args[3].(*big.Int)
		switch {
		case cost.Sign() <= 0:
			return nil, revert("product cost must be positive")
		case qty.Sign() <= 0 || !qty.IsUint64():
			return nil, revert("quantity must be positive")
		case len(providers) == 0:
			return nil, revert("at least one logistics provider required")
		case len(providers) != len(costs):
			return nil, revert("providers and costs length mismatch")
		}
		if !commit {
			return nil, nil
		}
		id := b.nextTrade
		b.nextTrade++
		fee := new(big.Int).Mul(cost, big.NewInt(FeeBasisPoints))
		fee.Quo(fee, big.NewInt(10_000))
		b.trades[id] = &trade{
			seller:    from,
			providers: providers,
			costs:     costs,
			cost:      cost,
			fee:       fee,
			total:     qty.Uint64(),
			remaining: qty.Uint64(),
			active:    true,
		}
		return []*types.Log{b.escrowLog("TradeCreated",
			[]common.Hash{common.BigToHash(new(big.Int).SetUint64(id)), addrTopic(from)}, cost, qty)}, nil

	case "buyTrade":
		tid, qtyBig, provider := args[0].(*big.Int), args[1].(*big.Int), args[2].(common.Address)
		tr, ok := b.trades[tid.Uint64()]
		if !ok {
			return nil, revert("trade does not exist")
		}
		if !tr.active {
			return nil, revert("trade is not active")
		}
		if qtyBig.Sign() <= 0 || !qtyBig.IsUint64() || qtyBig.Uint64() > tr.remaining {
			return nil, revert("insufficient quantity")
		}
		logistics, ok := tradeCost(tr, provider)
		if !ok {
			return nil, revert("logistics provider not on trade")
		}
		qty := qtyBig.Uint64()
		total := new(big.Int).Add(tr.cost, logistics)
		total.Mul(total, qtyBig)
		if err := b.pull(from, EscrowAddress, total, commit); err != nil {
			return nil, err
		}
		if !commit {
			return nil, nil
		}
		b.debit(from, total)
		b.credit(EscrowAddress, total)
		tr.remaining -= qty
		if tr.remaining == 0 {
			tr.active = false
		}
		id := b.nextPurchase
		b.nextPurchase++
		b.purchases[id] = &purchase{tradeID: tid.Uint64(), buyer: from, quantity: qty, amount: total, provider: provider}
		tr.purchases = append(tr.purchases, id)
		pid := common.BigToHash(new(big.Int).SetUint64(id))
		return []*types.Log{
			b.tokenLog("Transfer", []common.Hash{addrTopic(from), addrTopic(EscrowAddress)}, total),
			b.escrowLog("PurchaseCreated", []common.Hash{pid, common.BigToHash(tid), addrTopic(from)}, qtyBig, total),
		}, nil

	case "confirmDelivery":
		id, p, err := b.purchaseArg(args)
		if err != nil {
			return nil, err
		}
		switch {
		case from != p.provider:
			return nil, revert("only the logistics provider can confirm delivery")
		case p.cancelled, p.delivered:
			return nil, revert("purchase cannot be delivered")
		}
		if !commit {
			return nil, nil
		}
		p.delivered = true
		return []*types.Log{b.escrowLog("DeliveryConfirmed", []common.Hash{id, addrTopic(from)})}, nil

	case "confirmPurchase":
		id, p, err := b.purchaseArg(args)
		if err != nil {
			return nil, err
		}
		switch {
		case from != p.buyer:
			return nil, revert("only the buyer can confirm")
		case !p.delivered, p.confirmed, p.disputed, p.cancelled:
			return nil, revert("purchase cannot be confirmed")
		}
		if !commit {
			return nil, nil
		}
		p.confirmed = true
		b.release(p)
		return []*types.Log{b.escrowLog("PurchaseConfirmed", []common.Hash{id, addrTopic(from)})}, nil

	case "cancelPurchase":
		id, p, err := b.purchaseArg(args)
		if err != nil {
			return nil, err
		}
		switch {
		case from != p.buyer:
			return nil, revert("only the buyer can cancel")
		case p.delivered, p.confirmed, p.disputed, p.cancelled:
			return nil, revert("purchase cannot be cancelled")
		}
		if !commit {
			return nil, nil
		}
		p.cancelled = true
		b.refund(p)
		return []*types.Log{b.escrowLog("PurchaseCancelled", []common.Hash{id, addrTopic(from)})}, nil

	case "raiseDispute":
		id, p, err := b.purchaseArg(args)
		if err != nil {
			return nil, err
		}
		if !b.isParty(from, p) {
			return nil, revert("not a party to the purchase")
		}
		if p.disputed || p.confirmed || p.cancelled {
			return nil, revert("purchase cannot be disputed")
		}
		if !commit {
			return nil, nil
		}
		p.disputed = true
		p.initiator = from
		return []*types.Log{b.escrowLog("DisputeRaised", []common.Hash{id, addrTopic(from)})}, nil

	case "resolveDispute":
		id, p, err := b.purchaseArg(args)
		if err != nil {
			return nil, err
		}
		winner := args[1].(common.Address)
		seller := b.trades[p.tradeID].seller
		switch {
		case !p.disputed || p.confirmed || p.cancelled:
			return nil, revert("purchase is not in dispute")
		case from != b.Owner && (!b.isParty(from, p) || from == p.initiator):
			return nil, revert("not authorized to resolve")
		case winner != p.buyer && winner != seller:
			return nil, revert("winner must be buyer or seller")
		}
		if !commit {
			return nil, nil
		}
		if winner == p.buyer {
			p.cancelled = true
			b.refund(p)
		} else {
			p.confirmed = true
			b.release(p)
		}
		return []*types.Log{b.escrowLog("DisputeResolved", []common.Hash{id, addrTopic(winner)})}, nil

	case "withdrawEscrowFees":
		if from != b.Owner {
			return nil, revert("only owner")
		}
		if !commit {
			return nil, nil
		}
		amount := new(big.Int).Set(b.fees)
		b.fees.SetInt64(0)
		b.debit(EscrowAddress, amount)
		b.credit(from, amount)
		return []*types.Log{b.escrowLog("EscrowFeesWithdrawn", []common.Hash{addrTopic(from)}, amount)}, nil
	}
	return nil, revert("%s is not callable", method)
}

func (b *Backend) register(from common.Address, method string) *types.Log {
	switch method {
	case "registerSeller":
		b.sellers[from] = true
		return b.escrowLog("SellerRegistered", []common.Hash{addrTopic(from)})
	case "registerBuyer":
		b.buyers[from] = true
		return b.escrowLog("BuyerRegistered", []common.Hash{addrTopic(from)})
	default:
		if !b.providers[from] {
			b.providers[from] = true
			b.providerList = append(b.providerList, from)
		}
		return b.escrowLog("LogisticsProviderRegistered", []common.Hash{addrTopic(from)})
	}
}

// view answers an eth_call.
func (b *Backend) view(to common.Address, data []byte) ([]byte, error) {
	m := b.methodOf(to, data)
	if m == nil {
		return nil, revert("unknown function")
	}
	args, err := m.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, revert("bad calldata: %v", err)
	}

	switch m.Name {
	case "allowance":
		owner, spender := args[0].(common.Address), args[1].(common.Address)
		value := b.allowance(owner, spender)
		if s, ok := b.stale[owner]; ok && s.remaining > 0 {
			s.remaining--
			value = s.value
		}
		return m.Outputs.Pack(value)
	case "balanceOf":
		return m.Outputs.Pack(b.balanceOf(args[0].(common.Address)))
	case "decimals":
		return m.Outputs.Pack(uint8(6))
	case "getTrade":
		tr, ok := b.trades[args[0].(*big.Int).Uint64()]
		if !ok {
			return nil, revert("trade does not exist")
		}
		return m.Outputs.Pack(tr.seller, tr.providers, tr.costs, tr.cost, tr.fee,
			new(big.Int).SetUint64(tr.total), new(big.Int).SetUint64(tr.remaining), tr.active, bigs(tr.purchases))
	case "getPurchase":
		id := args[0].(*big.Int)
		p, ok := b.purchases[id.Uint64()]
		if !ok {
			return nil, revert("purchase does not exist")
		}
		return m.Outputs.Pack(id, new(big.Int).SetUint64(p.tradeID), p.buyer, new(big.Int).SetUint64(p.quantity),
			p.amount, p.delivered, p.confirmed, p.provider, p.disputed)
	case "getLogisticsProviders":
		return m.Outputs.Pack(append([]common.Address{}, b.providerList...))
	case "getBuyerPurchases":
		who := args[0].(common.Address)
		var ids []uint64
		for id := uint64(1); id < b.nextPurchase; id++ {
			if b.purchases[id].buyer == who {
				ids = append(ids, id)
			}
		}
		return m.Outputs.Pack(bigs(ids))
	case "getSellerTrades", "getProviderTrades":
		who := args[0].(common.Address)
		var ids []uint64
		for id := uint64(1); id < b.nextTrade; id++ {
			tr := b.trades[id]
			if m.Name == "getSellerTrades" && tr.seller == who {
				ids = append(ids, id)
			}
			if _, ok := tradeCost(tr, who); m.Name == "getProviderTrades" && ok {
				ids = append(ids, id)
			}
		}
		return m.Outputs.Pack(bigs(ids))
	}
	return nil, revert("%s is not a view", m.Name)
}

func (b *Backend) purchaseArg(args []any) (common.Hash, *purchase, error) {
	id := args[0].(*big.Int)
	p, ok := b.purchases[id.Uint64()]
	if !ok {
		return common.Hash{}, nil, revert("purchase does not exist")
	}
	return common.BigToHash(id), p, nil
}

func (b *Backend) isParty(who common.Address, p *purchase) bool {
	return who == p.buyer || who == p.provider || who == b.trades[p.tradeID].seller
}

// release pays the seller (less fee) and the logistics provider.
func (b *Backend) release(p *purchase) {
	tr := b.trades[p.tradeID]
	qty := new(big.Int).SetUint64(p.quantity)
	fee := new(big.Int).Mul(tr.fee, qty)
	product := new(big.Int).Mul(tr.cost, qty)
	logistics := new(big.Int).Sub(p.amount, product)

	b.debit(EscrowAddress, new(big.Int).Sub(p.amount, fee))
	b.credit(tr.seller, new(big.Int).Sub(product, fee))
	b.credit(p.provider, logistics)
	b.fees.Add(b.fees, fee)
}

// refund returns the full amount to the buyer and restores trade quantity.
func (b *Backend) refund(p *purchase) {
	tr := b.trades[p.tradeID]
	b.debit(EscrowAddress, p.amount)
	b.credit(p.buyer, p.amount)
	tr.remaining += p.quantity
	tr.active = true
}

// pull checks that spender may move value from owner.
func (b *Backend) pull(owner, spender common.Address, value *big.Int, commit bool) error {
	allowed := b.allowance(owner, spender)
	if allowed.Cmp(value) < 0 {
		return revert("ERC20: insufficient allowance")
	}
	if b.balanceOf(owner).Cmp(value) < 0 {
		return revert("ERC20: transfer amount exceeds balance")
	}
	if commit && allowed.Cmp(math.MaxBig256) != 0 {
		b.setAllowance(owner, spender, new(big.Int).Sub(allowed, value))
	}
	return nil
}

func tradeCost(tr *trade, provider common.Address) (*big.Int, bool) {
	for i, p := range tr.providers {
		if p == provider {
			return tr.costs[i], true
		}
	}
	return nil, false
}

func (b *Backend) balanceOf(addr common.Address) *big.Int {
	if v, ok := b.balances[addr]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) credit(addr common.Address, amount *big.Int) {
	b.balances[addr] = new(big.Int).Add(b.balanceOf(addr), amount)
}

func (b *Backend) debit(addr common.Address, amount *big.Int) {
	b.balances[addr] = new(big.Int).Sub(b.balanceOf(addr), amount)
}

func (b *Backend) allowance(owner, spender common.Address) *big.Int {
	if v, ok := b.allowances[owner][spender]; ok {
		return v
	}
	return new(big.Int)
}

func (b *Backend) setAllowance(owner, spender common.Address, amount *big.Int) {
	if b.allowances[owner] == nil {
		b.allowances[owner] = make(map[common.Address]*big.Int)
	}
	b.allowances[owner][spender] = new(big.Int).Set(amount)
}

func (b *Backend) escrowLog(name string, topics []common.Hash, data ...any) *types.Log {
	return buildLog(EscrowAddress, b.escrow.Events[name], topics, data)
}

func (b *Backend) tokenLog(name string, topics []common.Hash, data ...any) *types.Log {
	return buildLog(TokenAddress, b.token.Events[name], topics, data)
}

func buildLog(addr common.Address, ev abi.Event, topics []common.Hash, data []any) *types.Log {
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(errors.Join(errors.New("chaintest: pack "+ev.Name), err))
	}
	return &types.Log{Address: addr, Topics: append([]common.Hash{ev.ID}, topics...), Data: packed}
}

func addrTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}

func bigs(ids []uint64) []*big.Int {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		out[i] = new(big.Int).SetUint64(id)
	}
	return out
}
