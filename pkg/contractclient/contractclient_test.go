package contractclient

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/ChoSanghyuk/arbengine/pkg/util"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
)

// These are integration tests against a live RPC endpoint; they skip
// themselves when the environment isn't configured for one.
func loadTestEnv(t *testing.T) {
	t.Helper()
	_ = godotenv.Load("env/.env.test.local")
}

func TestDecodeTransaction(t *testing.T) {
	loadTestEnv(t)

	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		t.Skip("RPC_URL not set, skipping live decode test")
	}
	contractAddr := os.Getenv("CONTRACT_ADDR")
	if contractAddr == "" {
		t.Skip("CONTRACT_ADDR not set, skipping live decode test")
	}
	abiPath := os.Getenv("ABI_PATH")
	if abiPath == "" {
		t.Skip("ABI_PATH not set, skipping live decode test")
	}

	parsedABI, err := util.LoadABIFromHardhatArtifact(abiPath)
	if err != nil {
		t.Fatalf("load abi: %v", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	cc := NewContractClient(client, common.HexToAddress(contractAddr), parsedABI, nil)

	txData := os.Getenv("TX_DATA")
	txHash := os.Getenv("TX_HASH")
	if txData == "" && txHash == "" {
		t.Skip("neither TX_DATA nor TX_HASH set")
	}

	ctx := context.Background()
	var raw []byte
	if txData != "" {
		raw = util.Hex2Bytes(txData)
	} else {
		raw, err = cc.TransactionData(ctx, common.HexToHash(txHash))
		if err != nil {
			t.Fatalf("fetch tx data: %v", err)
		}
	}

	decoded, err := cc.DecodeTransaction(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	jsonData, err := json.MarshalIndent(decoded, "", "  ")
	if err != nil {
		t.Fatalf("marshal decoded tx: %v", err)
	}
	t.Logf("decoded transaction:\n%s", jsonData)
}

func TestCallContract(t *testing.T) {
	loadTestEnv(t)

	rpcURL := os.Getenv("RPC_URL")
	contractAddr := os.Getenv("POOLSTATE_ADDR")
	abiPath := os.Getenv("POOLSTATE_ABI_PATH")
	if rpcURL == "" || contractAddr == "" || abiPath == "" {
		t.Skip("RPC_URL/POOLSTATE_ADDR/POOLSTATE_ABI_PATH not set, skipping live call test")
	}

	parsedABI, err := util.LoadABI(abiPath)
	if err != nil {
		t.Fatalf("load abi: %v", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	cc := NewContractClient(client, common.HexToAddress(contractAddr), parsedABI, nil)

	outputs, err := cc.Call(context.Background(), nil, "slot0")
	if err != nil {
		t.Fatalf("call slot0: %v", err)
	}
	t.Logf("slot0 outputs: %v", outputs)
}
