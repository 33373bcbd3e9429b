package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

// GetOracleABI returns the market oracle interface. price() is scaled by 1e36.
func GetOracleABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [],
			"name": "price",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
}
