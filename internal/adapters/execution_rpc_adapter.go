package adapters

import (
	"context"
	"math/big"

	"github.com/Marketen/proposals-indexer/internal/application/domain"
	"github.com/Marketen/proposals-indexer/internal/application/ports"
	"github.com/Marketen/proposals-indexer/internal/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
)

// executionBackend is the subset of ethclient.Client the adapter needs.
type executionBackend interface {
	BlockByHash(ctx context.Context, hash common.Hash) (*types.Block, error)
	BlockReceipts(ctx context.Context, blockNrOrHash rpc.BlockNumberOrHash) ([]*types.Receipt, error)
}

// executionRPCClient implements ports.ExecutionAdapter over execution JSON-RPC.
type executionRPCClient struct {
	backend executionBackend
	close   func()
}

// NewExecutionRPCAdapter dials the execution node and checks it with eth_chainId.
func NewExecutionRPCAdapter(ctx context.Context, endpoint string) (ports.ExecutionAdapter, func(), error) {
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "could not dial execution node at %s", endpoint)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, errors.Wrapf(err, "execution node at %s did not answer eth_chainId", endpoint)
	}
	logger.Info("Connected to execution node (chain id %s)", chainID)

	a := &executionRPCClient{backend: client, close: client.Close}
	return a, a.close, nil
}

// GetBlockRewardComponents returns what the block paid to recipient: the priority part of
// every transaction fee plus the value of transactions sent straight to recipient.
func (e *executionRPCClient) GetBlockRewardComponents(
	ctx context.Context,
	blockHash common.Hash,
	recipient common.Address,
) (*domain.RewardComponents, error) {
	block, err := e.backend.BlockByHash(ctx, blockHash)
	if err != nil {
		return nil, errors.Wrapf(err, "block %s", blockHash.Hex())
	}
	receipts, err := e.backend.BlockReceipts(ctx, rpc.BlockNumberOrHashWithHash(blockHash, false))
	if err != nil {
		return nil, errors.Wrapf(err, "receipts of block %s", blockHash.Hex())
	}
	return rewardComponents(block, receipts, recipient)
}

func rewardComponents(block *types.Block, receipts []*types.Receipt, recipient common.Address) (*domain.RewardComponents, error) {
	txs := block.Transactions()
	if len(receipts) != len(txs) {
		return nil, errors.Errorf("block %s has %d transactions but %d receipts",
			block.Hash().Hex(), len(txs), len(receipts))
	}

	baseFee := block.BaseFee()
	if baseFee == nil {
		baseFee = new(big.Int)
	}

	fees := new(big.Int)
	transfers := new(big.Int)
	for i, tx := range txs {
		receipt := receipts[i]
		if receipt.TxHash != tx.Hash() {
			return nil, errors.Errorf("receipt %d of block %s does not belong to transaction %s",
				i, block.Hash().Hex(), tx.Hash().Hex())
		}

		price := receipt.EffectiveGasPrice
		if price == nil {
			price = tx.GasPrice()
		}
		tip := new(big.Int).Sub(price, baseFee)
		if tip.Sign() > 0 {
			fees.Add(fees, tip.Mul(tip, new(big.Int).SetUint64(receipt.GasUsed)))
		}

		if to := tx.To(); to != nil && *to == recipient && receipt.Status == types.ReceiptStatusSuccessful {
			transfers.Add(transfers, tx.Value())
		}
	}

	priority, err := domain.WeiFromBig(fees)
	if err != nil {
		return nil, err
	}
	direct, err := domain.WeiFromBig(transfers)
	if err != nil {
		return nil, err
	}
	return &domain.RewardComponents{PriorityFees: priority, DirectTransfer: direct}, nil
}
