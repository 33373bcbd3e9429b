package abis

import "github.com/ethereum/go-ethereum/accounts/abi"

// GetMulticallABI returns the block-returning aggregate() of Multicall/Multicall3.
// aggregate reverts if any call reverts.
func GetMulticallABI() (*abi.ABI, error) {
	return ParseABI(`[
		{
			"inputs": [
				{
					"components": [
						{"name": "target", "type": "address"},
						{"name": "callData", "type": "bytes"}
					],
					"name": "calls",
					"type": "tuple[]"
				}
			],
			"name": "aggregate",
			"outputs": [
				{"name": "blockNumber", "type": "uint256"},
				{"name": "returnData", "type": "bytes[]"}
			],
			"stateMutability": "payable",
			"type": "function"
		}
	]`)
}
