package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// MaxAllowance returns the largest approvable amount, used by the
// "unlimited" approval strategy.
func MaxAllowance() *big.Int {
	return new(big.Int).Set(math.MaxBig256)
}

// Allowance returns how much spender may move from owner.
func (c *Client) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	values, err := c.call(ctx, c.token, &tokenABI, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return firstBig(values), nil
}

// BalanceOf returns the token balance of owner in base units.
func (c *Client) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	values, err := c.call(ctx, c.token, &tokenABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return firstBig(values), nil
}

// Decimals reads the token's decimal precision.
func (c *Client) Decimals(ctx context.Context) (uint8, error) {
	values, err := c.call(ctx, c.token, &tokenABI, "decimals")
	if err != nil {
		return 0, err
	}
	d, _ := values[0].(uint8)
	return d, nil
}

// Approve lets spender move amount of the signer's tokens.
func (c *Client) Approve(ctx context.Context, spender common.Address, amount *big.Int) (TxHash, error) {
	return c.transact(ctx, c.token, &tokenABI, "approve", spender, amount)
}

func firstBig(values []any) *big.Int {
	if len(values) == 0 {
		return new(big.Int)
	}
	if v, ok := values[0].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}
