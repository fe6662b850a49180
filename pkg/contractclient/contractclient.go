// Package contractclient wraps a go-ethereum client and a parsed contract
// ABI into a small read/decode surface: call a view method, fetch a
// transaction's calldata, and decode calldata back into a method name plus
// arguments. pkg/chainio uses it to read pool state for the price monitor.
package contractclient

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Client reads and decodes calls against one deployed contract.
type Client struct {
	eth     *ethclient.Client
	address common.Address
	abi     abi.ABI
	limiter *rate.Limiter
}

// NewContractClient builds a Client bound to one contract address and ABI.
// limiter may be nil, in which case calls are unrate-limited.
func NewContractClient(eth *ethclient.Client, address common.Address, contractABI abi.ABI, limiter *rate.Limiter) *Client {
	return &Client{eth: eth, address: address, abi: contractABI, limiter: limiter}
}

// Call invokes a read-only (view/pure) method and returns its decoded
// outputs. from may be nil to call as the zero address.
func (c *Client) Call(ctx context.Context, from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("contractclient: rate limiter: %w", err)
		}
	}

	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("contractclient: pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if from != nil {
		msg.From = *from
	}

	output, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("contractclient: call %s on %s: %w", method, c.address.Hex(), err)
	}

	outputs, err := c.abi.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("contractclient: unpack %s: %w", method, err)
	}
	return outputs, nil
}

// TransactionData fetches the calldata of a previously broadcast
// transaction, for offline decoding (e.g. re-deriving parameters from a
// historical swap).
func (c *Client) TransactionData(ctx context.Context, txHash common.Hash) ([]byte, error) {
	tx, _, err := c.eth.TransactionByHash(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("contractclient: fetch tx %s: %w", txHash.Hex(), err)
	}
	return tx.Data(), nil
}

// DecodedTransaction is a calldata blob decoded back into its method name
// and argument values.
type DecodedTransaction struct {
	MethodName string
	Inputs     map[string]interface{}
}

// DecodeTransaction decodes raw calldata (4-byte selector + packed args)
// against this client's ABI.
func (c *Client) DecodeTransaction(data []byte) (*DecodedTransaction, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("contractclient: calldata too short to contain a selector")
	}

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("contractclient: unknown method selector: %w", err)
	}

	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("contractclient: unpack args for %s: %w", method.Name, err)
	}

	return &DecodedTransaction{MethodName: method.Name, Inputs: args}, nil
}

// Address returns the bound contract address.
func (c *Client) Address() common.Address {
	return c.address
}
