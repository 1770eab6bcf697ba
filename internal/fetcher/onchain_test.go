package fetcher

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/shopspring/decimal"
)

type fakeCaller struct {
	out   []byte
	err   error
	msg   ethereum.CallMsg
	block *big.Int
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.msg = msg
	f.block = blockNumber
	return f.out, f.err
}

func packOutputs(t *testing.T, parsed abi.ABI, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := parsed.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack outputs: %v", err)
	}
	return out
}

func TestV2QuoteDecodesLastAmount(t *testing.T) {
	caller := &fakeCaller{}
	caller.out = packOutputs(t, v2RouterABI, "getAmountsOut", []*big.Int{oneEther(), big.NewInt(2_500_000_000)})

	src, err := NewV2(V2Options{Name: "uni-v2", Router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"}, caller, noopLogger())
	if err != nil {
		t.Fatalf("构建 V2 source 失败: %v", err)
	}

	q, err := src.Quote(context.Background(), wethUSDC(), oneEther(), 123)
	if err != nil {
		t.Fatalf("quote 失败: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("期望价格 2500, 实际 %s", q.Price)
	}
	if caller.block == nil || caller.block.Uint64() != 123 {
		t.Fatalf("应在指定区块调用, 实际 %v", caller.block)
	}
	if !bytes.Equal(caller.msg.Data[:4], v2RouterABI.Methods["getAmountsOut"].ID) {
		t.Fatal("calldata selector 不正确")
	}
}

func TestV3QuoteUsesFeeTier(t *testing.T) {
	caller := &fakeCaller{}
	caller.out = packOutputs(t, v3QuoterABI, "quoteExactInputSingle", big.NewInt(2_528_000_000))

	src, err := NewV3(V3Options{Name: "uni-v3", Quoter: "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6", FeeTier: 500}, caller, noopLogger())
	if err != nil {
		t.Fatalf("构建 V3 source 失败: %v", err)
	}

	q, err := src.Quote(context.Background(), wethUSDC(), oneEther(), 0)
	if err != nil {
		t.Fatalf("quote 失败: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(2528)) {
		t.Fatalf("期望价格 2528, 实际 %s", q.Price)
	}
	if caller.block != nil {
		t.Fatal("block 为 0 时应查询 latest")
	}

	args, err := v3QuoterABI.Methods["quoteExactInputSingle"].Inputs.Unpack(caller.msg.Data[4:])
	if err != nil {
		t.Fatalf("解析 calldata 失败: %v", err)
	}
	if fee := args[2].(*big.Int); fee.Int64() != 500 {
		t.Fatalf("期望 fee 500, 实际 %s", fee)
	}
}

func TestOnChainSourcesPropagateCallErrors(t *testing.T) {
	caller := &fakeCaller{err: errors.New("execution reverted")}
	src, err := NewV2(V2Options{Name: "uni-v2", Router: "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"}, caller, noopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := src.Quote(context.Background(), wethUSDC(), oneEther(), 0); err == nil {
		t.Fatal("合约调用失败应返回错误")
	}

	caller.err = nil
	caller.out = packOutputs(t, v2RouterABI, "getAmountsOut", []*big.Int{oneEther(), big.NewInt(0)})
	if _, err := src.Quote(context.Background(), wethUSDC(), oneEther(), 0); err == nil {
		t.Fatal("输出为 0 时应报错")
	}
}

func TestOnChainSourcesValidateConfig(t *testing.T) {
	if _, err := NewV2(V2Options{Name: "x", Router: "nope"}, &fakeCaller{}, noopLogger()); err == nil {
		t.Fatal("非法 router 地址应报错")
	}
	if _, err := NewV3(V3Options{Name: "x", Quoter: "0xb27308f9F90D607463bb33eA1BeBb41C27CE5AB6"}, nil, noopLogger()); err == nil {
		t.Fatal("缺少 caller 应报错")
	}
}

func TestMockQuote(t *testing.T) {
	m := NewMock("table", map[string]decimal.Decimal{"weth/usdc": decimal.NewFromInt(2500)})
	q, err := m.Quote(context.Background(), wethUSDC(), oneEther(), 7)
	if err != nil {
		t.Fatalf("mock quote 失败: %v", err)
	}
	if !q.Price.Equal(decimal.NewFromInt(2500)) || !q.AmountOut.Equal(decimal.NewFromInt(2500)) {
		t.Fatalf("mock 价格不正确: %+v", q)
	}

	other := wethUSDC()
	other.Quote.Symbol = "DAI"
	if _, err := m.Quote(context.Background(), other, oneEther(), 7); err == nil {
		t.Fatal("未配置价格的 pair 应报错")
	}
}
