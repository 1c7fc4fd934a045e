package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/devblac/xchain-relay/internal/chain"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	eventContractCall          = "ContractCall"
	eventContractCallWithToken = "ContractCallWithToken"

	methodExecute                 = "execute"
	methodExecuteWithToken        = "executeWithToken"
	methodExpressExecuteWithToken = "expressExecuteWithToken"
)

const gatewayABIJSON = `[
	{"type":"event","name":"ContractCall","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"destinationChain","type":"string","indexed":false},
		{"name":"destinationContractAddress","type":"string","indexed":false},
		{"name":"payloadHash","type":"bytes32","indexed":true},
		{"name":"payload","type":"bytes","indexed":false}
	]},
	{"type":"event","name":"ContractCallWithToken","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"destinationChain","type":"string","indexed":false},
		{"name":"destinationContractAddress","type":"string","indexed":false},
		{"name":"payloadHash","type":"bytes32","indexed":true},
		{"name":"payload","type":"bytes","indexed":false},
		{"name":"symbol","type":"string","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}
	]}
]`

const executableABIJSON = `[
	{"type":"function","name":"execute","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"commandId","type":"bytes32"},
		{"name":"sourceChain","type":"string"},
		{"name":"sourceAddress","type":"string"},
		{"name":"payload","type":"bytes"}
	]},
	{"type":"function","name":"executeWithToken","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"commandId","type":"bytes32"},
		{"name":"sourceChain","type":"string"},
		{"name":"sourceAddress","type":"string"},
		{"name":"payload","type":"bytes"},
		{"name":"tokenSymbol","type":"string"},
		{"name":"amount","type":"uint256"}
	]},
	{"type":"function","name":"expressExecuteWithToken","stateMutability":"nonpayable","outputs":[],"inputs":[
		{"name":"commandId","type":"bytes32"},
		{"name":"sourceChain","type":"string"},
		{"name":"sourceAddress","type":"string"},
		{"name":"payload","type":"bytes"},
		{"name":"tokenSymbol","type":"string"},
		{"name":"amount","type":"uint256"}
	]}
]`

var (
	// GatewayABI holds the outbound call events of the gateway contract.
	GatewayABI = mustABI(gatewayABIJSON)
	// ExecutableABI holds the entry points of a destination contract.
	ExecutableABI = mustABI(executableABIJSON)

	callTopic          = GatewayABI.Events[eventContractCall].ID
	callWithTokenTopic = GatewayABI.Events[eventContractCallWithToken].ID
)

func mustABI(raw string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse abi: %v", err))
	}
	return a
}

// decodeCall turns a gateway log into an event. Logs with other topics are skipped.
func decodeCall(lg types.Log) (chain.Event, bool, error) {
	if len(lg.Topics) == 0 {
		return chain.Event{}, false, nil
	}
	var ev abi.Event
	switch lg.Topics[0] {
	case callTopic:
		ev = GatewayABI.Events[eventContractCall]
	case callWithTokenTopic:
		ev = GatewayABI.Events[eventContractCallWithToken]
	default:
		return chain.Event{}, false, nil
	}

	args := map[string]any{}
	indexed, nonIndexed := splitIndexed(ev.Inputs)
	if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
		return chain.Event{}, false, fmt.Errorf("parse topics: %w", err)
	}
	if err := nonIndexed.UnpackIntoMap(args, lg.Data); err != nil {
		return chain.Event{}, false, fmt.Errorf("unpack data: %w", err)
	}

	out := chain.Event{
		BlockNumber: lg.BlockNumber,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash,
	}
	out.Sender, _ = args["sender"].(common.Address)
	if h, ok := args["payloadHash"].([32]byte); ok {
		out.PayloadHash = common.Hash(h)
	}
	out.DestinationChain, _ = args["destinationChain"].(string)
	out.DestinationAddress, _ = args["destinationContractAddress"].(string)
	out.Payload, _ = args["payload"].([]byte)
	if ev.Name == eventContractCallWithToken {
		out.Symbol, _ = args["symbol"].(string)
		out.Amount, _ = args["amount"].(*big.Int)
		if out.Symbol == "" {
			return chain.Event{}, false, fmt.Errorf("%s without symbol in tx %s", ev.Name, lg.TxHash.Hex())
		}
	}
	return out, true, nil
}

func splitIndexed(args abi.Arguments) (indexed abi.Arguments, nonIndexed abi.Arguments) {
	for _, a := range args {
		if a.Indexed {
			indexed = append(indexed, a)
		} else {
			nonIndexed = append(nonIndexed, a)
		}
	}
	return indexed, nonIndexed
}

// executeCall selects the destination entry point and its arguments.
func executeCall(msg chain.Message) (string, []any) {
	args := []any{[32]byte(msg.CommandID), msg.SourceChain, msg.SourceAddress, msg.Payload}
	if msg.Symbol == "" {
		return methodExecute, args
	}
	amount := msg.Amount
	if amount == nil {
		amount = new(big.Int)
	}
	args = append(args, msg.Symbol, amount)
	if msg.Express {
		return methodExpressExecuteWithToken, args
	}
	return methodExecuteWithToken, args
}
