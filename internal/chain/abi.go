package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// EscrowABI is the interface of the marketplace escrow contract.
const EscrowABI = `[
	{"type":"function","name":"registerSeller","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"registerBuyer","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"registerLogisticsProvider","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"createTrade","stateMutability":"nonpayable","inputs":[
		{"name":"productCost","type":"uint256"},
		{"name":"logisticsProviders","type":"address[]"},
		{"name":"logisticsCosts","type":"uint256[]"},
		{"name":"totalQuantity","type":"uint256"}],"outputs":[{"name":"tradeId","type":"uint256"}]},
	{"type":"function","name":"buyTrade","stateMutability":"nonpayable","inputs":[
		{"name":"tradeId","type":"uint256"},
		{"name":"quantity","type":"uint256"},
		{"name":"logisticsProvider","type":"address"}],"outputs":[{"name":"purchaseId","type":"uint256"}]},
	{"type":"function","name":"confirmDelivery","stateMutability":"nonpayable","inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"confirmPurchase","stateMutability":"nonpayable","inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"cancelPurchase","stateMutability":"nonpayable","inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"raiseDispute","stateMutability":"nonpayable","inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"resolveDispute","stateMutability":"nonpayable","inputs":[
		{"name":"purchaseId","type":"uint256"},
		{"name":"winner","type":"address"}],"outputs":[]},
	{"type":"function","name":"withdrawEscrowFees","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"getTrade","stateMutability":"view","inputs":[{"name":"tradeId","type":"uint256"}],"outputs":[
		{"name":"seller","type":"address"},
		{"name":"logisticsProviders","type":"address[]"},
		{"name":"logisticsCosts","type":"uint256[]"},
		{"name":"productCost","type":"uint256"},
		{"name":"escrowFee","type":"uint256"},
		{"name":"totalQuantity","type":"uint256"},
		{"name":"remainingQuantity","type":"uint256"},
		{"name":"active","type":"bool"},
		{"name":"purchaseIds","type":"uint256[]"}]},
	{"type":"function","name":"getPurchase","stateMutability":"view","inputs":[{"name":"purchaseId","type":"uint256"}],"outputs":[
		{"name":"id","type":"uint256"},
		{"name":"tradeId","type":"uint256"},
		{"name":"buyer","type":"address"},
		{"name":"quantity","type":"uint256"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"delivered","type":"bool"},
		{"name":"confirmed","type":"bool"},
		{"name":"logisticsProvider","type":"address"},
		{"name":"disputed","type":"bool"}]},
	{"type":"function","name":"getLogisticsProviders","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
	{"type":"function","name":"getBuyerPurchases","stateMutability":"view","inputs":[{"name":"buyer","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"function","name":"getSellerTrades","stateMutability":"view","inputs":[{"name":"seller","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"function","name":"getProviderTrades","stateMutability":"view","inputs":[{"name":"provider","type":"address"}],"outputs":[{"name":"","type":"uint256[]"}]},
	{"type":"event","name":"SellerRegistered","anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"}]},
	{"type":"event","name":"BuyerRegistered","anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"}]},
	{"type":"event","name":"LogisticsProviderRegistered","anonymous":false,"inputs":[{"indexed":true,"name":"account","type":"address"}]},
	{"type":"event","name":"TradeCreated","anonymous":false,"inputs":[
		{"indexed":true,"name":"tradeId","type":"uint256"},
		{"indexed":true,"name":"seller","type":"address"},
		{"indexed":false,"name":"productCost","type":"uint256"},
		{"indexed":false,"name":"totalQuantity","type":"uint256"}]},
	{"type":"event","name":"PurchaseCreated","anonymous":false,"inputs":[
		{"indexed":true,"name":"purchaseId","type":"uint256"},
		{"indexed":true,"name":"tradeId","type":"uint256"},
		{"indexed":true,"name":"buyer","type":"address"},
		{"indexed":false,"name":"quantity","type":"uint256"},
		{"indexed":false,"name":"totalAmount","type":"uint256"}]},
	{"type":"event","name":"DeliveryConfirmed","anonymous":false,"inputs":[
		{"indexed":true,"name":"purchaseId","type":"uint256"},
		{"indexed":true,"name":"logisticsProvider","type":"address"}]},
	{"type":"event","name":"PurchaseConfirmed","anonymous":false,"inputs":[
		{"indexed":true,"name":"purchaseId","type":"uint256"},
		{"indexed":true,"name":"buyer","type":"address"}]},
	{"type":"event","name":"PurchaseCancelled","anonymous":false,"inputs":[
		{"indexed":true,"name":"purchaseId","type":"uint256"},
		{"indexed":true,"name":"buyer","type":"address"}]},
	{"type":"event","name":"DisputeRaised","anonymous":false,"inputs":[
		{"indexed":true,"name":"purchaseId","type":"uint256"},
		{"indexed":true,"name":"initiator","type":"address"}]},
	{"type":"event","name":"DisputeResolved","anonymous":false,"inputs":[
		{"indexed":true,"name":"purchaseId","type":"uint256"},
		{"indexed":true,"name":"winner","type":"address"}]},
	{"type":"event","name":"EscrowFeesWithdrawn","anonymous":false,"inputs":[
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"amount","type":"uint256"}]}
]`

// TokenABI is the subset of ERC20 the settlement core uses.
const TokenABI = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Approval","anonymous":false,"inputs":[
		{"indexed":true,"name":"owner","type":"address"},
		{"indexed":true,"name":"spender","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}]}
]`

var (
	escrowABI = mustParseABI(EscrowABI)
	tokenABI  = mustParseABI(TokenABI)
)

// ParsedEscrowABI returns the parsed escrow interface.
func ParsedEscrowABI() abi.ABI { return escrowABI }

// ParsedTokenABI returns the parsed token interface.
func ParsedTokenABI() abi.ABI { return tokenABI }

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
