package gas

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// BlockFeeSample is the fee data kept for one block.
type BlockFeeSample struct {
	Number       uint64
	BaseFee      *big.Int
	PriorityFees []*big.Int
}

// history is a fixed-capacity window of samples with strictly increasing
// block numbers; the oldest sample is evicted on overflow.
type history struct {
	capacity int
	samples  []BlockFeeSample
}

func newHistory(capacity int) history {
	if capacity <= 0 {
		capacity = 50
	}
	return history{capacity: capacity, samples: make([]BlockFeeSample, 0, capacity)}
}

func (h *history) add(s BlockFeeSample) bool {
	if n := len(h.samples); n > 0 && s.Number <= h.samples[n-1].Number {
		return false
	}
	h.samples = append(h.samples, s)
	if over := len(h.samples) - h.capacity; over > 0 {
		h.samples = append(h.samples[:0], h.samples[over:]...)
	}
	return true
}

func (h *history) len() int {
	return len(h.samples)
}

func (h *history) snapshot() []BlockFeeSample {
	out := make([]BlockFeeSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// SampleFromBlock extracts the fee sample of a block. Blocks without a base
// fee (pre-London or malformed responses) report false.
func SampleFromBlock(block *types.Block) (BlockFeeSample, bool) {
	if block == nil {
		return BlockFeeSample{}, false
	}
	baseFee := block.BaseFee()
	if baseFee == nil {
		return BlockFeeSample{}, false
	}
	return BlockFeeSample{
		Number:       block.NumberU64(),
		BaseFee:      new(big.Int).Set(baseFee),
		PriorityFees: PriorityFees(block.Transactions(), baseFee),
	}, true
}

// PriorityFees returns the tip each transaction actually paid at baseFee:
// min(tipCap, feeCap-baseFee). Transactions that could not pay are dropped.
func PriorityFees(txs types.Transactions, baseFee *big.Int) []*big.Int {
	out := make([]*big.Int, 0, len(txs))
	for _, tx := range txs {
		tip := new(big.Int).Set(tx.GasTipCap())
		headroom := new(big.Int).Sub(tx.GasFeeCap(), baseFee)
		if headroom.Cmp(tip) < 0 {
			tip = headroom
		}
		if tip.Sign() < 0 {
			continue
		}
		out = append(out, tip)
	}
	return out
}
