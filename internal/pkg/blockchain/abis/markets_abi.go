package abis

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MarketParamsTuple is the ABI shape of the liquidate() market params argument.
// Field names match the tuple component names after camel-casing.
type MarketParamsTuple struct {
	IsPremiumMarket          bool
	LoanToken                common.Address
	CollateralToken          common.Address
	Oracle                   common.Address
	Irm                      common.Address
	Lltv                     *big.Int
	CreditAttestationService common.Address
	IrxMaxLltv               *big.Int
	CategoryLltv             *big.Int
}

// GetMarketsABI returns the subset of the lending markets contract used for
// position reads and liquidation.
func GetMarketsABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{"name": "id", "type": "bytes32"},
				{"name": "user", "type": "address"}
			],
			"name": "position",
			"outputs": [
				{"name": "collateral", "type": "uint256"},
				{"name": "borrowShares", "type": "uint256"},
				{"name": "lastMultiplier", "type": "uint256"}
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [{"name": "id", "type": "bytes32"}],
			"name": "idToMarketParams",
			"outputs": [
				{"name": "isPremiumMarket", "type": "bool"},
				{"name": "loanToken", "type": "address"},
				{"name": "collateralToken", "type": "address"},
				{"name": "oracle", "type": "address"},
				{"name": "irm", "type": "address"},
				{"name": "lltv", "type": "uint256"},
				{"name": "creditAttestationService", "type": "address"},
				{"name": "irxMaxLltv", "type": "uint256"},
				{"name": "categoryLltv", "type": "uint256"}
			],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "id", "type": "bytes32"},
				{"name": "multiplier", "type": "uint256"}
			],
			"name": "totalBorrowAssetsForMultiplier",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "id", "type": "bytes32"},
				{"name": "multiplier", "type": "uint256"}
			],
			"name": "totalBorrowSharesForMultiplier",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"inputs": [
				{
					"components": [
						{"name": "isPremiumMarket", "type": "bool"},
						{"name": "loanToken", "type": "address"},
						{"name": "collateralToken", "type": "address"},
						{"name": "oracle", "type": "address"},
						{"name": "irm", "type": "address"},
						{"name": "lltv", "type": "uint256"},
						{"name": "creditAttestationService", "type": "address"},
						{"name": "irxMaxLltv", "type": "uint256"},
						{"name": "categoryLltv", "type": "uint256"}
					],
					"name": "marketParams",
					"type": "tuple"
				},
				{"name": "borrower", "type": "address"},
				{"name": "seizedAssets", "type": "uint256"},
				{"name": "repaidShares", "type": "uint256"},
				{"name": "data", "type": "bytes"}
			],
			"name": "liquidate",
			"outputs": [
				{"name": "", "type": "uint256"},
				{"name": "", "type": "uint256"}
			],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
}
