package testutil

import (
	"math/big"
	"os"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-userops/core/chainio/signer"
	"github.com/AvaProtocol/ap-userops/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userops/storage"
)

const (
	TestChainID = 11155111

	// Throwaway key, never funded anywhere.
	TestOwnerKey = "0xe8d3e6c2d7f16f8a4d4f4b1c0a0ad2d9bb93a07bb8d7e1c6fbe4d1b2a3c4d5e6"
)

var (
	TestToken     = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
	TestPaymaster = common.HexToAddress("0x0000000000000039cd5e8aE05257CE51C473ddd1")
	TestRecipient = common.HexToAddress("0xD7050816337a3f8f690F8083B5Ff8019D50c0E50")

	// 1 wei of gas cost is worth 2000 token base units per 1e18 (a 6 decimals stablecoin at 2000/ETH).
	TestExchangeRate = big.NewInt(2_000_000_000)
)

// Shortcut to initialize a storage at a temp path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "aptest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

func TestSigner() *signer.PrivateKeySigner {
	s, err := signer.FromHex(TestOwnerKey)
	if err != nil {
		panic(err)
	}
	return s
}

// TestQuote is the sponsorship quote the fake bundler serves for TestToken.
func TestQuote() bundler.TokenQuote {
	return bundler.TokenQuote{
		Token:                   TestToken,
		Paymaster:               TestPaymaster,
		ExchangeRate:            new(big.Int).Set(TestExchangeRate),
		ExchangeRateNativeToUsd: new(big.Int).Set(TestExchangeRate),
		PostOpGas:               big.NewInt(40_000),
	}
}

// Ether converts whole ether (as a string, "0.1") to wei.
func Ether(s string) *big.Int {
	return decimal.RequireFromString(s).Shift(18).BigInt()
}
