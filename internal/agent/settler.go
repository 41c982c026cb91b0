package agent

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabstir/host-agent/internal/chain"
	"github.com/fabstir/host-agent/internal/engine"
)

// chainSettler implements engine.Settler over the shared transaction engine.
// Submissions that exhaust their retry budget are persisted to the failed
// transaction log before the error is returned, so no checkpoint or
// settlement intent is ever lost silently.
type chainSettler struct {
	client *chain.Client
	queue  *chain.TxQueue
	failed *chain.FailedTxLog
	log    zerolog.Logger
}

func (s *chainSettler) SubmitCheckpoint(ctx context.Context, jobID *big.Int, index, tokensClaimed uint64, proof []byte) (*engine.SettleReceipt, error) {
	data, err := s.client.Contracts().PackSubmitCheckpoint(jobID, chain.Checkpoint{
		Index:           new(big.Int).SetUint64(index),
		TokensGenerated: new(big.Int).SetUint64(tokensClaimed),
		Proof:           proof,
		Timestamp:       big.NewInt(time.Now().Unix()),
	})
	if err != nil {
		return nil, err
	}
	tx := chain.Tx{
		To:    s.client.Contracts().ProofSystem,
		Data:  data,
		Label: "submit_checkpoint",
	}
	return s.send(ctx, tx, chain.DefaultPolicy())
}

func (s *chainSettler) CompleteSessionJob(ctx context.Context, jobID *big.Int, totalTokens uint64) (*engine.SettleReceipt, error) {
	data, err := s.client.Contracts().PackCompleteSessionJob(jobID, new(big.Int).SetUint64(totalTokens))
	if err != nil {
		return nil, err
	}
	tx := chain.Tx{
		To:    s.client.Contracts().Marketplace,
		Data:  data,
		Label: "complete_session_job",
	}
	res, err := s.send(ctx, tx, chain.DefaultPolicy())
	if err != nil && isDuplicateSettlement(err) {
		// A checkpoint already settled these tokens on-chain; the final
		// settlement is a no-op rather than a failure.
		s.log.Info().Str("job", jobID.String()).Msg("session already settled on-chain")
		return &engine.SettleReceipt{}, nil
	}
	return res, err
}

// send routes through the FIFO queue and stores the intent durably when the
// retry budget is exhausted.
func (s *chainSettler) send(ctx context.Context, tx chain.Tx, policy chain.Policy) (*engine.SettleReceipt, error) {
	res, err := s.queue.QueueAndWait(ctx, tx, policy)
	if err != nil {
		var retryErr *chain.RetryError
		if errors.As(err, &retryErr) {
			if _, serr := s.failed.StoreFailed(tx, retryErr.Attempts, retryErr); serr != nil {
				s.log.Error().Err(serr).Str("label", tx.Label).Msg("could not persist failed transaction")
			}
		}
		return nil, err
	}
	return &engine.SettleReceipt{
		TxHash:      res.TxHash.Hex(),
		BlockNumber: res.BlockNumber,
		GasUsed:     res.GasUsed,
	}, nil
}

// isDuplicateSettlement detects a revert caused by tokens that an earlier
// checkpoint already settled.
func isDuplicateSettlement(err error) bool {
	if chain.Classify(err) != chain.KindRevert {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already") || strings.Contains(msg, "settled")
}
